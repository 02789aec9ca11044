package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"import-status-tracker/internal/models"
)

const (
	DefaultStatusPrefix = "importstatus:"
	DefaultRangePrefix  = "importedrange:"
)

// Record is one stored status as returned by ListAll. Err is set when the
// stored value could not be decoded; Status is then only partially filled.
type Record struct {
	Key    string
	Status models.JobStatus
	Err    error
}

// RedisRepository persists one JSON status record and one imported date
// range marker per site. Redis reads are never cached client-side, so every
// Get reflects the latest write by any worker.
type RedisRepository struct {
	client       *redis.Client
	statusPrefix string
	rangePrefix  string
}

// NewRedisRepository builds a repository; empty prefixes fall back to defaults.
func NewRedisRepository(client *redis.Client, statusPrefix, rangePrefix string) *RedisRepository {
	if statusPrefix == "" {
		statusPrefix = DefaultStatusPrefix
	}
	if rangePrefix == "" {
		rangePrefix = DefaultRangePrefix
	}
	return &RedisRepository{
		client:       client,
		statusPrefix: statusPrefix,
		rangePrefix:  rangePrefix,
	}
}

func (r *RedisRepository) statusKey(siteID int64) string {
	return r.statusPrefix + strconv.FormatInt(siteID, 10)
}

func (r *RedisRepository) rangeKey(siteID int64) string {
	return r.rangePrefix + strconv.FormatInt(siteID, 10)
}

// Get loads the status for a site. found is false when no record exists.
func (r *RedisRepository) Get(ctx context.Context, siteID int64) (models.JobStatus, bool, error) {
	key := r.statusKey(siteID)
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.JobStatus{}, false, nil
	}
	if err != nil {
		return models.JobStatus{}, false, fmt.Errorf("get status %s: %w", key, err)
	}
	if len(raw) == 0 {
		return models.JobStatus{}, false, nil
	}
	st, err := models.DecodeStatus(key, raw)
	if err != nil {
		return models.JobStatus{}, false, err
	}
	return st, true, nil
}

// Save overwrites the whole record for st.SiteID.
func (r *RedisRepository) Save(ctx context.Context, st models.JobStatus) error {
	if !st.State.Persisted() {
		return fmt.Errorf("refusing to persist state %q for site %d", st.State, st.SiteID)
	}
	raw, err := st.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := r.client.Set(ctx, r.statusKey(st.SiteID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save status for site %d: %w", st.SiteID, err)
	}
	return nil
}

// Delete removes the status record and the imported range marker.
func (r *RedisRepository) Delete(ctx context.Context, siteID int64) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.statusKey(siteID))
	pipe.Del(ctx, r.rangeKey(siteID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete status for site %d: %w", siteID, err)
	}
	return nil
}

// ListAll returns every stored status ordered by key. Undecodable records are
// returned with Err set instead of failing the whole listing.
func (r *RedisRepository) ListAll(ctx context.Context) ([]Record, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.statusPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan statuses: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}
	out := make([]Record, 0, len(keys))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok || raw == "" {
			// deleted between SCAN and MGET
			continue
		}
		rec := Record{Key: keys[i]}
		rec.Status, rec.Err = models.DecodeStatus(keys[i], []byte(raw))
		if rec.Err != nil {
			rec.Status.SiteID, _ = strconv.ParseInt(strings.TrimPrefix(keys[i], r.statusPrefix), 10, 64)
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetDateRange returns the observed imported range marker; unset sides are zero.
func (r *RedisRepository) GetDateRange(ctx context.Context, siteID int64) (models.Date, models.Date, error) {
	raw, err := r.client.Get(ctx, r.rangeKey(siteID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.Date{}, models.Date{}, nil
	}
	if err != nil {
		return models.Date{}, models.Date{}, fmt.Errorf("get imported range for site %d: %w", siteID, err)
	}
	return parseMarker(raw)
}

// SetDateRange merges the provided sides into the marker. A nil side keeps
// whatever is stored. The merge runs as a single script so concurrent
// updates of opposite sides cannot clobber each other.
func (r *RedisRepository) SetDateRange(ctx context.Context, siteID int64, start, end *models.Date) error {
	var s, e string
	if start != nil {
		s = start.String()
	}
	if end != nil {
		e = end.String()
	}
	if s == "" && e == "" {
		return nil
	}
	if err := mergeRangeScript.Run(ctx, r.client, []string{r.rangeKey(siteID)}, s, e).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("set imported range for site %d: %w", siteID, err)
	}
	return nil
}

func parseMarker(raw string) (models.Date, models.Date, error) {
	if raw == "" {
		return models.Date{}, models.Date{}, nil
	}
	parts := strings.SplitN(raw, ",", 2)
	start, err := models.ParseDate(parts[0])
	if err != nil {
		return models.Date{}, models.Date{}, fmt.Errorf("imported range start: %w", err)
	}
	var end models.Date
	if len(parts) == 2 {
		if end, err = models.ParseDate(parts[1]); err != nil {
			return models.Date{}, models.Date{}, fmt.Errorf("imported range end: %w", err)
		}
	}
	return start, end, nil
}

var mergeRangeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local s, e = '', ''
if cur then
  local i = string.find(cur, ',', 1, true)
  if i then
    s = string.sub(cur, 1, i - 1)
    e = string.sub(cur, i + 1)
  else
    s = cur
  end
end
if ARGV[1] ~= '' then s = ARGV[1] end
if ARGV[2] ~= '' then e = ARGV[2] end
redis.call('SET', KEYS[1], s .. ',' .. e)
return 1
`)
