package postgres

// Schema expectations:
//
//   scheduled_jobs(id, job_kind, target_id, tenant_id, due_at, status,
//                  attempts, created_at)
//     with a partial unique index on target_id WHERE status = 'PENDING'
//   sessions(id, shop, access_token, schedule_count)
//   publish_audit(id, job_id, tenant_id, target_id, outcome, detail, created_at)

const queryInsertJob = `
INSERT INTO scheduled_jobs (id, job_kind, target_id, tenant_id, due_at, status, attempts, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryFindDueJobs = `
SELECT id, job_kind, target_id, tenant_id, due_at, status, attempts, created_at
FROM scheduled_jobs
WHERE status = 'PENDING'
  AND due_at <= $1
`

const queryFindJobsByTargetIDs = `
SELECT id, job_kind, target_id, tenant_id, due_at, status, attempts, created_at
FROM scheduled_jobs
WHERE target_id = ANY($1)
`

const queryDeleteJobByID = `
DELETE FROM scheduled_jobs WHERE id = $1
RETURNING id
`

const queryDeleteJobByTargetID = `
DELETE FROM scheduled_jobs WHERE target_id = $1 AND status = 'PENDING'
RETURNING id, job_kind, target_id, tenant_id, due_at, status, attempts, created_at
`

const queryIncrementJobAttempts = `
UPDATE scheduled_jobs
SET attempts = attempts + 1
WHERE id = $1
RETURNING attempts
`

const queryGetSession = `
SELECT id, shop, access_token, schedule_count
FROM sessions
WHERE id = $1
`

const queryGetScheduleCount = `
SELECT schedule_count FROM sessions WHERE id = $1
`

// Single-statement read-modify-write so concurrent completions for the same
// tenant never lose an update.
const queryIncrementScheduleCount = `
UPDATE sessions
SET schedule_count = schedule_count + 1
WHERE id = $1
RETURNING schedule_count
`

const queryInsertAuditEvent = `
INSERT INTO publish_audit (id, job_id, tenant_id, target_id, outcome, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const queryDeleteAuditEventsBefore = `
DELETE FROM publish_audit WHERE created_at < $1
`
