package sqlinline

const QEnsureUsersTable = `--sql 3f6c2b9e-8d41-4a57-b0e2-71c9a4d5e812
create table if not exists users (
    id uuid primary key default gen_random_uuid(),
    google_id text not null unique,
    email text not null default '',
    name text not null default '',
    locale text not null default '',
    synced_at timestamptz not null default now(),
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
`

const QUpsertSyncedUser = `--sql 5a82e2ad-7b09-40c5-9d22-2d28db58c0f0
insert into users (google_id, email, name, locale, synced_at, created_at, updated_at)
values ($1::text, $2::text, $3::text, $4::text, $5::timestamptz, now(), now())
on conflict (google_id) do update set
    email = coalesce(nullif(excluded.email, ''), users.email),
    name = coalesce(nullif(excluded.name, ''), users.name),
    locale = coalesce(nullif(excluded.locale, ''), users.locale),
    synced_at = excluded.synced_at,
    updated_at = now()
returning id::text, google_id, email, name, locale, synced_at, created_at, updated_at;
`

const QSelectUserByID = `--sql 1239018e-4f5f-46a0-8f0d-81b2a3a5f0f8
select id::text, google_id, email, name, locale, synced_at, created_at, updated_at
from users
where id = $1::uuid
limit 1;
`
