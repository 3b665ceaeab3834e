// Package sqldb implements db.DB on PostgreSQL via pgx. Documents are stored
// as JSONB next to the columns needed for claiming and optimistic
// concurrency; claims use FOR UPDATE SKIP LOCKED so concurrent workers never
// double-claim.
package sqldb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.moonmind.dev/infra/go/now"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/jobqueue/go/db"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

// uniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const uniqueViolation = "23505"

// SQLDB implements db.DBCloser over a pgx connection pool.
type SQLDB struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema exists.
func New(ctx context.Context, connString string) (*SQLDB, error) {
	pool, err := pgxpool.Connect(ctx, connString)
	if err != nil {
		return nil, skerr.Wrapf(err, "failed to connect to %s", connString)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, skerr.Wrapf(err, "failed to apply schema")
	}
	return &SQLDB{pool: pool}, nil
}

// Close implements db.DBCloser.
func (d *SQLDB) Close() error {
	d.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// withTx runs f in a transaction, committing on nil error.
func (d *SQLDB) withTx(ctx context.Context, f func(tx pgx.Tx) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := f(tx); err != nil {
		return err
	}
	return skerr.Wrap(tx.Commit(ctx))
}

func scanJob(data []byte) (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, skerr.Wrapf(err, "failed to decode stored job")
	}
	return &job, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func writeJob(ctx context.Context, ex execer, job *types.Job, insert bool) error {
	data, err := json.Marshal(job)
	if err != nil {
		return skerr.Wrap(err)
	}
	caps, err := json.Marshal(job.RequiredCapabilities)
	if err != nil {
		return skerr.Wrap(err)
	}
	var leaseExpires interface{}
	if !job.LeaseExpires.IsZero() {
		leaseExpires = job.LeaseExpires
	}
	stmt := `
		UPDATE jobs SET status = $2, job_type = $3, repository = $4,
			priority = $5, affinity_key = $6, required_capabilities = $7,
			attempt_count = $8, max_attempts = $9, lease_owner = $10,
			lease_expires = $11, created = $12, db_modified = $13, data = $14
		WHERE id = $1`
	if insert {
		stmt = `
		INSERT INTO jobs (id, status, job_type, repository, priority,
			affinity_key, required_capabilities, attempt_count, max_attempts,
			lease_owner, lease_expires, created, db_modified, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	}
	_, err = ex.Exec(ctx, stmt, job.Id, job.Status, job.Type, job.Repository,
		job.Priority, job.AffinityKey, caps, job.AttemptCount, job.MaxAttempts,
		job.LeaseOwner, leaseExpires, job.Created, job.DbModified, data)
	return err
}

// PutJob implements db.JobDB.
func (d *SQLDB) PutJob(ctx context.Context, job *types.Job) error {
	if job.Id != "" {
		return skerr.Fmt("Id of new job is already filled in.")
	}
	job.Id = uuid.New().String()
	job.DbModified = now.Now(ctx).UTC()
	if err := writeJob(ctx, d.pool, job, true); err != nil {
		if isUniqueViolation(err) {
			return db.ErrAlreadyExists
		}
		return skerr.Wrap(err)
	}
	return nil
}

// UpdateJob implements db.JobDB.
func (d *SQLDB) UpdateJob(ctx context.Context, job *types.Job) error {
	return d.withTx(ctx, func(tx pgx.Tx) error {
		var storedStatus types.JobStatus
		var storedModified time.Time
		row := tx.QueryRow(ctx, `SELECT status, db_modified FROM jobs WHERE id = $1 FOR UPDATE`, job.Id)
		if err := row.Scan(&storedStatus, &storedModified); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return db.ErrNotFound
			}
			return skerr.Wrap(err)
		}
		if !storedModified.Equal(job.DbModified) {
			return db.ErrConcurrentUpdate
		}
		if !types.TransitionLegal(storedStatus, job.Status) {
			return skerr.Wrapf(db.ErrInvalidTransition, "%s -> %s", storedStatus, job.Status)
		}
		ts := now.Now(ctx).UTC()
		if !ts.After(job.DbModified) {
			ts = job.DbModified.Add(time.Microsecond)
		}
		job.DbModified = ts
		return skerr.Wrap(writeJob(ctx, tx, job, false))
	})
}

// GetJobById implements db.JobDB.
func (d *SQLDB) GetJobById(ctx context.Context, id string) (*types.Job, error) {
	var data []byte
	if err := d.pool.QueryRow(ctx, `SELECT data FROM jobs WHERE id = $1`, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, skerr.Wrap(err)
	}
	return scanJob(data)
}

// SearchJobs implements db.JobDB.
func (d *SQLDB) SearchJobs(ctx context.Context, params *db.JobSearchParams) ([]*types.Job, error) {
	q := `SELECT data FROM jobs WHERE TRUE`
	args := []interface{}{}
	if params.Status != "" {
		args = append(args, params.Status)
		q += ` AND status = $` + itoa(len(args))
	}
	if params.Type != "" {
		args = append(args, params.Type)
		q += ` AND job_type = $` + itoa(len(args))
	}
	if params.Repository != "" {
		args = append(args, params.Repository)
		q += ` AND repository = $` + itoa(len(args))
	}
	q += ` ORDER BY created DESC, id`
	if params.Limit > 0 {
		args = append(args, params.Limit)
		q += ` LIMIT $` + itoa(len(args))
	}
	rows, err := d.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	rv := []*types.Job{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, skerr.Wrap(err)
		}
		job, err := scanJob(data)
		if err != nil {
			return nil, err
		}
		rv = append(rv, job)
	}
	return rv, skerr.Wrap(rows.Err())
}

// ClaimJob implements db.JobDB.
func (d *SQLDB) ClaimJob(ctx context.Context, params *db.ClaimParams) (*types.Job, error) {
	caps, err := json.Marshal(params.Capabilities)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	workerTypes := make([]string, 0, len(params.AllowedTypes))
	for _, t := range params.AllowedTypes {
		workerTypes = append(workerTypes, string(t))
	}
	affinityKeys := params.PreferredAffinityKeys
	if affinityKeys == nil {
		affinityKeys = []string{}
	}
	ts := now.Now(ctx).UTC()
	var job *types.Job
	err = d.withTx(ctx, func(tx pgx.Tx) error {
		// Candidate selection mirrors the in-memory store: claimable means
		// queued with no live lease and attempts remaining, matching the
		// worker's filters, with required capabilities a subset of the
		// worker's. Affinity match is a preference, not a filter.
		q := `
			SELECT data FROM jobs
			WHERE status = 'queued'
				AND (lease_expires IS NULL OR lease_expires <= $1)
				AND attempt_count < max_attempts
				AND required_capabilities <@ $2::jsonb
				AND (cardinality($3::text[]) = 0 OR job_type = ANY($3))
				AND (cardinality($4::text[]) = 0 OR repository = '' OR repository = ANY($4))
			ORDER BY (affinity_key <> '' AND affinity_key = ANY($5)) DESC,
				priority DESC, created, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED`
		allowedRepos := params.AllowedRepositories
		if allowedRepos == nil {
			allowedRepos = []string{}
		}
		var data []byte
		row := tx.QueryRow(ctx, q, ts, caps, workerTypes, allowedRepos, affinityKeys)
		if err := row.Scan(&data); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return skerr.Wrap(err)
		}
		j, err := scanJob(data)
		if err != nil {
			return err
		}
		j.Status = types.JobStatusRunning
		j.LeaseOwner = params.WorkerId
		j.LeaseExpires = ts.Add(params.LeaseTTL)
		j.AttemptCount++
		if j.Started.IsZero() {
			j.Started = ts
		}
		j.DbModified = ts
		if err := writeJob(ctx, tx, j, false); err != nil {
			return skerr.Wrap(err)
		}
		job = j
		return nil
	})
	return job, err
}

// ExtendLease implements db.JobDB.
func (d *SQLDB) ExtendLease(ctx context.Context, jobId, workerId string, ttl time.Duration) error {
	return d.withTx(ctx, func(tx pgx.Tx) error {
		var data []byte
		row := tx.QueryRow(ctx, `SELECT data FROM jobs WHERE id = $1 FOR UPDATE`, jobId)
		if err := row.Scan(&data); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return db.ErrNotFound
			}
			return skerr.Wrap(err)
		}
		j, err := scanJob(data)
		if err != nil {
			return err
		}
		if j.Status != types.JobStatusRunning || j.LeaseOwner != workerId {
			return db.ErrNotLeaseHolder
		}
		ts := now.Now(ctx).UTC()
		j.LeaseExpires = ts.Add(ttl)
		if !ts.After(j.DbModified) {
			ts = j.DbModified.Add(time.Microsecond)
		}
		j.DbModified = ts
		return skerr.Wrap(writeJob(ctx, tx, j, false))
	})
}

// ExpireLeases implements db.JobDB.
func (d *SQLDB) ExpireLeases(ctx context.Context) ([]*types.Job, error) {
	ts := now.Now(ctx).UTC()
	rv := []*types.Job{}
	err := d.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT data FROM jobs
			WHERE status = 'running' AND lease_expires IS NOT NULL AND lease_expires <= $1
			FOR UPDATE SKIP LOCKED`, ts)
		if err != nil {
			return skerr.Wrap(err)
		}
		expired := []*types.Job{}
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				rows.Close()
				return skerr.Wrap(err)
			}
			j, err := scanJob(data)
			if err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return skerr.Wrap(err)
		}
		for _, j := range expired {
			j.LeaseOwner = ""
			j.LeaseExpires = time.Time{}
			if j.AttemptCount < j.MaxAttempts {
				j.Status = types.JobStatusQueued
			} else {
				j.Status = types.JobStatusFailed
				j.Finished = ts
				j.LastError = "lease expired: worker stopped heartbeating"
			}
			if !ts.After(j.DbModified) {
				j.DbModified = j.DbModified.Add(time.Microsecond)
			} else {
				j.DbModified = ts
			}
			if err := writeJob(ctx, tx, j, false); err != nil {
				return skerr.Wrap(err)
			}
			rv = append(rv, j)
		}
		return nil
	})
	return rv, err
}

// RunningCount implements db.JobDB.
func (d *SQLDB) RunningCount(ctx context.Context) (int, int, error) {
	ts := now.Now(ctx).UTC()
	var running, stale int
	err := d.pool.QueryRow(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE lease_expires IS NULL OR lease_expires <= $1)
		FROM jobs WHERE status = 'running'`, ts).Scan(&running, &stale)
	if err != nil {
		return 0, 0, skerr.Wrap(err)
	}
	return running, stale, nil
}

// AppendEvent implements db.EventDB. Ordering per job is serialized via a
// transaction-scoped advisory lock on the job id.
func (d *SQLDB) AppendEvent(ctx context.Context, ev *types.Event) (*types.Event, error) {
	rv := ev.Copy()
	err := d.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ev.JobId); err != nil {
			return skerr.Wrap(err)
		}
		var lastId int64
		var lastCreated *time.Time
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(event_id), 0), MAX(created)
			FROM job_events WHERE job_id = $1`, ev.JobId).Scan(&lastId, &lastCreated)
		if err != nil {
			return skerr.Wrap(err)
		}
		ts := now.Now(ctx).UTC()
		if lastCreated != nil && !ts.After(*lastCreated) {
			ts = *lastCreated
		}
		rv.Id = lastId + 1
		rv.Created = ts
		data, err := json.Marshal(rv)
		if err != nil {
			return skerr.Wrap(err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO job_events (job_id, event_id, created, data)
			VALUES ($1, $2, $3, $4)`, rv.JobId, rv.Id, rv.Created, data)
		return skerr.Wrap(err)
	})
	if err != nil {
		return nil, err
	}
	return rv, nil
}

// ListEvents implements db.EventDB.
func (d *SQLDB) ListEvents(ctx context.Context, jobId string, cursor types.EventCursor, limit int, descending bool) ([]*types.Event, error) {
	q := `SELECT data FROM job_events WHERE job_id = $1`
	args := []interface{}{jobId}
	if !cursor.After.IsZero() {
		args = append(args, cursor.After.UTC(), cursor.AfterEventId)
		n := len(args)
		q += ` AND (created, event_id) > ($` + itoa(n-1) + `, $` + itoa(n) + `)`
	}
	if !cursor.Before.IsZero() {
		args = append(args, cursor.Before.UTC(), cursor.BeforeEventId)
		n := len(args)
		q += ` AND (created, event_id) < ($` + itoa(n-1) + `, $` + itoa(n) + `)`
	}
	if descending {
		q += ` ORDER BY created DESC, event_id DESC`
	} else {
		q += ` ORDER BY created, event_id`
	}
	if limit > 0 {
		args = append(args, limit)
		q += ` LIMIT $` + itoa(len(args))
	}
	rows, err := d.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	rv := []*types.Event{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, skerr.Wrap(err)
		}
		var ev types.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, skerr.Wrapf(err, "failed to decode stored event")
		}
		rv = append(rv, &ev)
	}
	return rv, skerr.Wrap(rows.Err())
}

// PutArtifact implements db.ArtifactDB.
func (d *SQLDB) PutArtifact(ctx context.Context, a *types.Artifact) error {
	if a.Id == "" {
		a.Id = uuid.New().String()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return skerr.Wrap(err)
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO artifacts (id, job_id, name, data)
		VALUES ($1, $2, $3, $4)`, a.Id, a.JobId, a.Name, data)
	if err != nil {
		if isUniqueViolation(err) {
			return db.ErrAlreadyExists
		}
		return skerr.Wrap(err)
	}
	return nil
}

// GetArtifact implements db.ArtifactDB.
func (d *SQLDB) GetArtifact(ctx context.Context, jobId, artifactId string) (*types.Artifact, error) {
	var data []byte
	err := d.pool.QueryRow(ctx, `
		SELECT data FROM artifacts WHERE job_id = $1 AND id = $2`, jobId, artifactId).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, skerr.Wrap(err)
	}
	var a types.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, skerr.Wrapf(err, "failed to decode stored artifact")
	}
	return &a, nil
}

// ListArtifacts implements db.ArtifactDB.
func (d *SQLDB) ListArtifacts(ctx context.Context, jobId string) ([]*types.Artifact, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT data FROM artifacts WHERE job_id = $1 ORDER BY name`, jobId)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	rv := []*types.Artifact{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, skerr.Wrap(err)
		}
		var a types.Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, skerr.Wrapf(err, "failed to decode stored artifact")
		}
		rv = append(rv, &a)
	}
	return rv, skerr.Wrap(rows.Err())
}

func writeProposal(ctx context.Context, ex execer, p *types.Proposal, insert bool) error {
	data, err := json.Marshal(p)
	if err != nil {
		return skerr.Wrap(err)
	}
	var snoozed interface{}
	if !p.SnoozedUntil.IsZero() {
		snoozed = p.SnoozedUntil
	}
	stmt := `
		UPDATE proposals SET status = $2, repository = $3, category = $4,
			dedup_hash = $5, snoozed_until = $6, created = $7,
			db_modified = $8, data = $9
		WHERE id = $1`
	if insert {
		stmt = `
		INSERT INTO proposals (id, status, repository, category, dedup_hash,
			snoozed_until, created, db_modified, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	}
	_, err = ex.Exec(ctx, stmt, p.Id, p.Status, p.Repository, p.Category,
		p.DedupHash, snoozed, p.Created, p.DbModified, data)
	return err
}

// PutProposal implements db.ProposalDB.
func (d *SQLDB) PutProposal(ctx context.Context, p *types.Proposal) error {
	if p.Id != "" {
		return skerr.Fmt("Id of new proposal is already filled in.")
	}
	p.Id = uuid.New().String()
	p.DbModified = now.Now(ctx).UTC()
	return skerr.Wrap(writeProposal(ctx, d.pool, p, true))
}

// UpdateProposal implements db.ProposalDB.
func (d *SQLDB) UpdateProposal(ctx context.Context, p *types.Proposal) error {
	return d.withTx(ctx, func(tx pgx.Tx) error {
		var storedModified time.Time
		row := tx.QueryRow(ctx, `SELECT db_modified FROM proposals WHERE id = $1 FOR UPDATE`, p.Id)
		if err := row.Scan(&storedModified); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return db.ErrNotFound
			}
			return skerr.Wrap(err)
		}
		if !storedModified.Equal(p.DbModified) {
			return db.ErrConcurrentUpdate
		}
		ts := now.Now(ctx).UTC()
		if !ts.After(p.DbModified) {
			ts = p.DbModified.Add(time.Microsecond)
		}
		p.DbModified = ts
		return skerr.Wrap(writeProposal(ctx, tx, p, false))
	})
}

// GetProposalById implements db.ProposalDB.
func (d *SQLDB) GetProposalById(ctx context.Context, id string) (*types.Proposal, error) {
	var data []byte
	if err := d.pool.QueryRow(ctx, `SELECT data FROM proposals WHERE id = $1`, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, skerr.Wrap(err)
	}
	var p types.Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, skerr.Wrapf(err, "failed to decode stored proposal")
	}
	return &p, nil
}

// GetOpenProposalByDedup implements db.ProposalDB.
func (d *SQLDB) GetOpenProposalByDedup(ctx context.Context, repository, dedupHash string) (*types.Proposal, error) {
	var data []byte
	err := d.pool.QueryRow(ctx, `
		SELECT data FROM proposals
		WHERE repository = $1 AND dedup_hash = $2
			AND status NOT IN ('promoted', 'dismissed', 'accepted', 'rejected')
		ORDER BY created LIMIT 1`, repository, dedupHash).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, skerr.Wrap(err)
	}
	var p types.Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, skerr.Wrapf(err, "failed to decode stored proposal")
	}
	return &p, nil
}

// SearchProposals implements db.ProposalDB.
func (d *SQLDB) SearchProposals(ctx context.Context, params *db.ProposalSearchParams) ([]*types.Proposal, error) {
	q := `SELECT data FROM proposals WHERE TRUE`
	args := []interface{}{}
	if params.Status != "" {
		args = append(args, params.Status)
		q += ` AND status = $` + itoa(len(args))
	} else if !params.IncludeSnoozed {
		q += ` AND status <> 'snoozed'`
	}
	if params.Repository != "" {
		args = append(args, params.Repository)
		q += ` AND repository = $` + itoa(len(args))
	}
	if params.Category != "" {
		args = append(args, params.Category)
		q += ` AND category = $` + itoa(len(args))
	}
	q += ` ORDER BY created DESC, id`
	if params.Limit > 0 {
		args = append(args, params.Limit)
		q += ` LIMIT $` + itoa(len(args))
	}
	rows, err := d.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	rv := []*types.Proposal{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, skerr.Wrap(err)
		}
		var p types.Proposal
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, skerr.Wrapf(err, "failed to decode stored proposal")
		}
		rv = append(rv, &p)
	}
	return rv, skerr.Wrap(rows.Err())
}

// GetPauseState implements db.PauseDB.
func (d *SQLDB) GetPauseState(ctx context.Context) (*types.PauseState, error) {
	var data []byte
	err := d.pool.QueryRow(ctx, `SELECT data FROM pause_state`).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &types.PauseState{}, nil
		}
		return nil, skerr.Wrap(err)
	}
	var s types.PauseState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, skerr.Wrapf(err, "failed to decode stored pause state")
	}
	return &s, nil
}

// SetPauseState implements db.PauseDB.
func (d *SQLDB) SetPauseState(ctx context.Context, state *types.PauseState, audit *types.PauseAuditEntry) error {
	return d.withTx(ctx, func(tx pgx.Tx) error {
		var storedVersion int64
		err := tx.QueryRow(ctx, `SELECT version FROM pause_state FOR UPDATE`).Scan(&storedVersion)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return skerr.Wrap(err)
		}
		if state.Version != storedVersion+1 {
			return db.ErrConcurrentUpdate
		}
		data, err := json.Marshal(state)
		if err != nil {
			return skerr.Wrap(err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO pause_state (singleton, version, data)
			VALUES (TRUE, $1, $2)
			ON CONFLICT (singleton) DO UPDATE SET version = $1, data = $2`, state.Version, data); err != nil {
			return skerr.Wrap(err)
		}
		if audit != nil {
			auditData, err := json.Marshal(audit)
			if err != nil {
				return skerr.Wrap(err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO pause_audit (created, data)
				VALUES ($1, $2)`, audit.Created, auditData); err != nil {
				return skerr.Wrap(err)
			}
		}
		return nil
	})
}

// ListPauseAudit implements db.PauseDB.
func (d *SQLDB) ListPauseAudit(ctx context.Context, limit int) ([]*types.PauseAuditEntry, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT data FROM pause_audit ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	rv := []*types.PauseAuditEntry{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, skerr.Wrap(err)
		}
		var e types.PauseAuditEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, skerr.Wrapf(err, "failed to decode stored audit entry")
		}
		rv = append(rv, &e)
	}
	return rv, skerr.Wrap(rows.Err())
}

// GetCheckpoint implements db.CheckpointDB.
func (d *SQLDB) GetCheckpoint(ctx context.Context, manifestName, dataSourceId string) (*types.Checkpoint, error) {
	var data []byte
	err := d.pool.QueryRow(ctx, `
		SELECT data FROM checkpoints
		WHERE manifest_name = $1 AND data_source_id = $2`, manifestName, dataSourceId).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, skerr.Wrap(err)
	}
	var c types.Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, skerr.Wrapf(err, "failed to decode stored checkpoint")
	}
	return &c, nil
}

// PutCheckpoint implements db.CheckpointDB.
func (d *SQLDB) PutCheckpoint(ctx context.Context, c *types.Checkpoint) error {
	c.Updated = now.Now(ctx).UTC()
	data, err := json.Marshal(c)
	if err != nil {
		return skerr.Wrap(err)
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO checkpoints (manifest_name, data_source_id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (manifest_name, data_source_id) DO UPDATE SET data = $3`,
		c.ManifestName, c.DataSourceId, data)
	return skerr.Wrap(err)
}

// GetSkillEntry implements db.SkillRegistryDB.
func (d *SQLDB) GetSkillEntry(ctx context.Context, skillName, version string) (*types.SkillRegistryEntry, error) {
	var data []byte
	err := d.pool.QueryRow(ctx, `
		SELECT data FROM skill_registry
		WHERE skill_name = $1 AND version = $2`, skillName, version).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, skerr.Wrap(err)
	}
	var e types.SkillRegistryEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, skerr.Wrapf(err, "failed to decode stored skill entry")
	}
	return &e, nil
}

// PutSkillEntry implements db.SkillRegistryDB.
func (d *SQLDB) PutSkillEntry(ctx context.Context, e *types.SkillRegistryEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return skerr.Wrap(err)
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO skill_registry (skill_name, version, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (skill_name, version) DO UPDATE SET data = $3`,
		e.SkillName, e.Version, data)
	return skerr.Wrap(err)
}

// ListSkillEntries implements db.SkillRegistryDB.
func (d *SQLDB) ListSkillEntries(ctx context.Context) ([]*types.SkillRegistryEntry, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT data FROM skill_registry ORDER BY skill_name, version`)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	rv := []*types.SkillRegistryEntry{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, skerr.Wrap(err)
		}
		var e types.SkillRegistryEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, skerr.Wrapf(err, "failed to decode stored skill entry")
		}
		rv = append(rv, &e)
	}
	return rv, skerr.Wrap(rows.Err())
}

// GetManifest implements db.ManifestDB.
func (d *SQLDB) GetManifest(ctx context.Context, name string) (string, string, error) {
	var yamlText, hash string
	err := d.pool.QueryRow(ctx, `
		SELECT yaml, content_hash FROM manifests WHERE name = $1`, name).Scan(&yamlText, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", db.ErrNotFound
		}
		return "", "", skerr.Wrap(err)
	}
	return yamlText, hash, nil
}

// PutManifest implements db.ManifestDB.
func (d *SQLDB) PutManifest(ctx context.Context, name, yamlText string) (string, error) {
	sum := sha256.Sum256([]byte(yamlText))
	hash := hex.EncodeToString(sum[:])
	_, err := d.pool.Exec(ctx, `
		INSERT INTO manifests (name, content_hash, yaml)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET content_hash = $2, yaml = $3`,
		name, hash, yamlText)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	return hash, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

var _ db.DBCloser = (*SQLDB)(nil)
