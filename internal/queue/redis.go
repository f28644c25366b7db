package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"forge/internal/domain"
	"forge/internal/id"
	"forge/internal/logging"
)

const (
	redisPendingKey = "forge:queue:pending" // zset: job id scored by -priority*1e12 + available_at_ms
	redisLeaseKey   = "forge:queue:leases"  // zset: job id scored by lease deadline ms
	redisJobPrefix  = "forge:queue:job:"    // string: job JSON
	redisRefPrefix  = "forge:queue:ref:"    // zset per (kind,ref): job id scored by created_at ms
)

// Redis is the networked Queue backend. Leasing is a single Lua script that
// reclaims expired leases before popping the best pending job, so the
// at-most-one-lease invariant holds without client-side locking.
type Redis struct {
	client *redis.Client
	logger logging.Logger
}

// NewRedis constructs the redis-backed queue.
func NewRedis(client *redis.Client, logger logging.Logger) *Redis {
	return &Redis{client: client, logger: logging.OrNop(logger)}
}

func redisJobKey(jobID string) string { return redisJobPrefix + jobID }

func redisRefKey(kind domain.JobKind, refID string) string {
	return redisRefPrefix + string(kind) + ":" + refID
}

// dequeueScript: KEYS[1]=pending KEYS[2]=leases
// ARGV[1]=now_ms ARGV[2]=visibility_ms ARGV[3]=worker_id ARGV[4]=job_key_prefix
//
// Expired leases win over pending jobs so crashed workers' jobs come back
// promptly; within each set the lowest score is the best candidate.
var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local vis = tonumber(ARGV[2])

local function lease(id)
    local key = ARGV[4] .. id
    local raw = redis.call('GET', key)
    if not raw then
        redis.call('ZREM', KEYS[1], id)
        redis.call('ZREM', KEYS[2], id)
        return nil
    end
    local job = cjson.decode(raw)
    job['status'] = 'running'
    job['attempts'] = (job['attempts'] or 0) + 1
    job['locked_by'] = ARGV[3]
    job['locked_at_ms'] = now
    local encoded = cjson.encode(job)
    redis.call('SET', key, encoded)
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[2], now + vis, id)
    return encoded
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 1)
if expired[1] then
    local leased = lease(expired[1])
    if leased then return leased end
end

local pending = redis.call('ZRANGE', KEYS[1], 0, 49)
for _, pid in ipairs(pending) do
    local raw = redis.call('GET', ARGV[4] .. pid)
    if not raw then
        redis.call('ZREM', KEYS[1], pid)
    else
        local job = cjson.decode(raw)
        if tonumber(job['available_at_ms'] or 0) <= now then
            local leased = lease(pid)
            if leased then return leased end
        end
    end
end
return false
`)

// failScript: KEYS[1]=pending KEYS[2]=leases
// ARGV[1]=job_key ARGV[2]=error ARGV[3]=retry_at_ms ARGV[4]=job_id ARGV[5]=now_ms
var failScript = redis.NewScript(`
local raw = redis.call('GET', ARGV[1])
if not raw then return 0 end
local job = cjson.decode(raw)
job['last_error'] = ARGV[2]
job['locked_by'] = ''
job['locked_at_ms'] = 0
redis.call('ZREM', KEYS[2], ARGV[4])
if (job['attempts'] or 0) < (job['max_attempts'] or 0) then
    job['status'] = 'queued'
    job['available_at_ms'] = tonumber(ARGV[3])
    local prio = tonumber(job['priority'] or 0)
    redis.call('ZADD', KEYS[1], -prio * 1e12 + tonumber(ARGV[3]), ARGV[4])
else
    job['status'] = 'failed'
end
redis.call('SET', ARGV[1], cjson.encode(job))
return 1
`)

// terminalScript: KEYS[1]=pending KEYS[2]=leases
// ARGV[1]=job_key ARGV[2]=job_id ARGV[3]=status ARGV[4]=reason ARGV[5]=only_if_not_terminal
var terminalScript = redis.NewScript(`
local raw = redis.call('GET', ARGV[1])
if not raw then return 0 end
local job = cjson.decode(raw)
local status = job['status']
if ARGV[5] == '1' and (status == 'succeeded' or status == 'failed' or status == 'canceled') then
    return 0
end
job['status'] = ARGV[3]
if ARGV[4] ~= '' then job['last_error'] = ARGV[4] end
job['locked_by'] = ''
job['locked_at_ms'] = 0
redis.call('SET', ARGV[1], cjson.encode(job))
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// redisJob is the JSON shape stored per job; times are epoch millis so the
// Lua scripts can compare them numerically.
type redisJob struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	RefID         string          `json:"ref_id"`
	Status        string          `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	Priority      int             `json:"priority"`
	AvailableAtMS int64           `json:"available_at_ms"`
	LockedAtMS    int64           `json:"locked_at_ms"`
	LockedBy      string          `json:"locked_by"`
	LastError     string          `json:"last_error"`
	CreatedAtMS   int64           `json:"created_at_ms"`
}

func (r redisJob) toDomain() *domain.Job {
	job := &domain.Job{
		ID:          r.ID,
		Kind:        domain.JobKind(r.Kind),
		RefID:       r.RefID,
		Status:      domain.JobStatus(r.Status),
		Payload:     r.Payload,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		Priority:    r.Priority,
		AvailableAt: time.UnixMilli(r.AvailableAtMS),
		LockedBy:    r.LockedBy,
		LastError:   r.LastError,
		CreatedAt:   time.UnixMilli(r.CreatedAtMS),
		UpdatedAt:   time.UnixMilli(r.CreatedAtMS),
	}
	if r.LockedAtMS > 0 {
		lockedAt := time.UnixMilli(r.LockedAtMS)
		job.LockedAt = &lockedAt
	}
	return job
}

func (q *Redis) Enqueue(ctx context.Context, params EnqueueParams) (*domain.Job, error) {
	now := time.Now()
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	record := redisJob{
		ID:            id.NewJobID(),
		Kind:          string(params.Kind),
		RefID:         params.RefID,
		Status:        string(domain.JobQueued),
		Payload:       domain.EncodePayload(params.Payload),
		MaxAttempts:   maxAttempts,
		Priority:      params.Priority,
		AvailableAtMS: now.Add(params.Delay).UnixMilli(),
		CreatedAtMS:   now.UnixMilli(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, redisJobKey(record.ID), raw, 0)
	pipe.ZAdd(ctx, redisPendingKey, redis.Z{
		Score:  pendingScore(record.Priority, time.UnixMilli(record.AvailableAtMS)),
		Member: record.ID,
	})
	pipe.ZAdd(ctx, redisRefKey(params.Kind, params.RefID), redis.Z{
		Score:  float64(record.CreatedAtMS),
		Member: record.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue %s/%s: %w", params.Kind, params.RefID, err)
	}
	q.logger.Debug("enqueued job %s kind=%s ref=%s prio=%d", record.ID, record.Kind, record.RefID, record.Priority)
	return record.toDomain(), nil
}

func (q *Redis) Dequeue(ctx context.Context, workerID string, visibility time.Duration) (*domain.Job, error) {
	result, err := dequeueScript.Run(ctx, q.client,
		[]string{redisPendingKey, redisLeaseKey},
		time.Now().UnixMilli(), visibility.Milliseconds(), workerID, redisJobPrefix).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	raw, ok := result.(string)
	if !ok || raw == "" {
		return nil, nil
	}
	var record redisJob
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("decode leased job: %w", err)
	}
	return record.toDomain(), nil
}

func (q *Redis) Complete(ctx context.Context, jobID string) error {
	count, err := terminalScript.Run(ctx, q.client,
		[]string{redisPendingKey, redisLeaseKey},
		redisJobKey(jobID), jobID, string(domain.JobSucceeded), "", "0").Int()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Redis) Fail(ctx context.Context, jobID string, errText string, retryDelay time.Duration) error {
	retryAt := time.Now().Add(retryDelay).UnixMilli()
	count, err := failScript.Run(ctx, q.client,
		[]string{redisPendingKey, redisLeaseKey},
		redisJobKey(jobID), errText, retryAt, jobID, time.Now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Redis) FailPermanent(ctx context.Context, jobID string, errText string) error {
	count, err := terminalScript.Run(ctx, q.client,
		[]string{redisPendingKey, redisLeaseKey},
		redisJobKey(jobID), jobID, string(domain.JobFailed), errText, "0").Int()
	if err != nil {
		return fmt.Errorf("fail job %s permanently: %w", jobID, err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Redis) Cancel(ctx context.Context, jobID string, reason string) error {
	_, err := terminalScript.Run(ctx, q.client,
		[]string{redisPendingKey, redisLeaseKey},
		redisJobKey(jobID), jobID, string(domain.JobCanceled), reason, "1").Int()
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

func (q *Redis) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	raw, err := q.client.Get(ctx, redisJobKey(jobID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	var record redisJob
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return record.toDomain(), nil
}

func (q *Redis) LatestByRef(ctx context.Context, kind domain.JobKind, refID string) (*domain.Job, error) {
	ids, err := q.client.ZRevRange(ctx, redisRefKey(kind, refID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("latest job for %s/%s: %w", kind, refID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return q.Get(ctx, ids[0])
}

func (q *Redis) CancelQueuedByRef(ctx context.Context, kind domain.JobKind, refID string) (int, error) {
	ids, err := q.client.ZRange(ctx, redisRefKey(kind, refID), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list jobs for %s/%s: %w", kind, refID, err)
	}
	canceled := 0
	for _, jobID := range ids {
		job, err := q.Get(ctx, jobID)
		if err != nil {
			continue
		}
		if job.Status != domain.JobQueued {
			continue
		}
		if err := q.Cancel(ctx, jobID, "superseded"); err == nil {
			canceled++
		}
	}
	return canceled, nil
}

func (q *Redis) ExtendVisibility(ctx context.Context, jobID string, additional time.Duration) error {
	score, err := q.client.ZScore(ctx, redisLeaseKey, jobID).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("extend visibility for %s: %w", jobID, err)
	}
	_, err = q.client.ZAdd(ctx, redisLeaseKey, redis.Z{
		Score:  score + float64(additional.Milliseconds()),
		Member: jobID,
	}).Result()
	if err != nil {
		return fmt.Errorf("extend visibility for %s: %w", jobID, err)
	}
	return nil
}

func (q *Redis) FailAllRunning(ctx context.Context, errText string) (int, error) {
	ids, err := q.client.ZRange(ctx, redisLeaseKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list leases: %w", err)
	}
	failed := 0
	for _, jobID := range ids {
		count, err := terminalScript.Run(ctx, q.client,
			[]string{redisPendingKey, redisLeaseKey},
			redisJobKey(jobID), jobID, string(domain.JobFailed), errText, "1").Int()
		if err == nil && count > 0 {
			failed++
		}
	}
	return failed, nil
}

func (q *Redis) Depth(ctx context.Context) (int, error) {
	pending, err := q.client.ZCard(ctx, redisPendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	leased, err := q.client.ZCard(ctx, redisLeaseKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return int(pending + leased), nil
}
