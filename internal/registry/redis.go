package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nestgraph/nestgraph/internal/errdefs"
	"github.com/nestgraph/nestgraph/internal/ident"
)

const (
	graphKeyPrefix    = "nestgraph:graph:"
	instanceKeyPrefix = "nestgraph:instance:"
	instanceSetKey    = "nestgraph:instances"
)

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// InstanceTTL expires instance records that stop heartbeating.
	InstanceTTL time.Duration
}

// ApplyDefaults fills zero fields.
func (c *RedisConfig) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.InstanceTTL <= 0 {
		c.InstanceTTL = 90 * time.Second
	}
}

// Redis implements Client on a redis directory. Instance records are
// hashes with a TTL refreshed by heartbeats, so crashed instances age
// out without explicit deregistration.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	cfg.ApplyDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &Redis{client: client, ttl: cfg.InstanceTTL}, nil
}

// Close releases the redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, graphID ident.GraphID) (*Instance, error) {
	instanceID, err := r.client.Get(ctx, graphKeyPrefix+graphID.String()).Result()
	if err == redis.Nil {
		return nil, errdefs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up graph owner: %w", err)
	}
	inst, err := r.getInstance(ctx, instanceID)
	if err == errdefs.ErrNotFound {
		// Owner record expired; the mapping is stale.
		return nil, errdefs.ErrNotFound
	}
	return inst, err
}

func (r *Redis) Put(ctx context.Context, graphID ident.GraphID, instanceID string) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, graphKeyPrefix+graphID.String(), instanceID, 0)
	pipe.SAdd(ctx, instanceKeyPrefix+instanceID+":graphs", graphID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record graph owner: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, graphID ident.GraphID) error {
	instanceID, err := r.client.Get(ctx, graphKeyPrefix+graphID.String()).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up graph owner: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, graphKeyPrefix+graphID.String())
	pipe.SRem(ctx, instanceKeyPrefix+instanceID+":graphs", graphID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete graph owner: %w", err)
	}
	return nil
}

func (r *Redis) ListInstances(ctx context.Context) ([]*Instance, error) {
	ids, err := r.client.SMembers(ctx, instanceSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := r.getInstance(ctx, id)
		if err == errdefs.ErrNotFound {
			// Record aged out; drop the stale set member.
			_ = r.client.SRem(ctx, instanceSetKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (r *Redis) Heartbeat(ctx context.Context, instanceID string, m Metrics) error {
	key := instanceKeyPrefix + instanceID
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		"heartbeat", strconv.FormatInt(time.Now().UnixMilli(), 10),
		"cpu", strconv.FormatFloat(m.CPUPercent, 'f', 2, 64),
		"memory", strconv.FormatFloat(m.MemoryPercent, 'f', 2, 64),
		"databases", strconv.Itoa(m.DatabaseCount),
	)
	pipe.Expire(ctx, key, r.ttl)
	pipe.Expire(ctx, key+":graphs", r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to heartbeat instance %s: %w", instanceID, err)
	}
	return nil
}

func (r *Redis) RegisterInstance(ctx context.Context, inst *Instance) error {
	key := instanceKeyPrefix + inst.ID
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		"address", inst.Address,
		"role", string(inst.Role),
		"heartbeat", strconv.FormatInt(time.Now().UnixMilli(), 10),
	)
	pipe.Expire(ctx, key, r.ttl)
	pipe.SAdd(ctx, instanceSetKey, inst.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register instance %s: %w", inst.ID, err)
	}
	return nil
}

func (r *Redis) DeregisterInstance(ctx context.Context, instanceID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, instanceKeyPrefix+instanceID)
	pipe.Del(ctx, instanceKeyPrefix+instanceID+":graphs")
	pipe.SRem(ctx, instanceSetKey, instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deregister instance %s: %w", instanceID, err)
	}
	return nil
}

func (r *Redis) getInstance(ctx context.Context, instanceID string) (*Instance, error) {
	fields, err := r.client.HGetAll(ctx, instanceKeyPrefix+instanceID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read instance %s: %w", instanceID, err)
	}
	if len(fields) == 0 {
		return nil, errdefs.ErrNotFound
	}

	inst := &Instance{
		ID:      instanceID,
		Address: fields["address"],
		Role:    Role(fields["role"]),
	}
	if ms, err := strconv.ParseInt(fields["heartbeat"], 10, 64); err == nil {
		inst.LastHeartbeat = time.UnixMilli(ms)
	}
	if v, err := strconv.ParseFloat(fields["cpu"], 64); err == nil {
		inst.CPUPercent = v
	}
	if v, err := strconv.ParseFloat(fields["memory"], 64); err == nil {
		inst.MemoryPercent = v
	}
	if v, err := strconv.Atoi(fields["databases"]); err == nil {
		inst.DatabaseCount = v
	}

	graphs, err := r.client.SMembers(ctx, instanceKeyPrefix+instanceID+":graphs").Result()
	if err == nil {
		inst.GraphIDs = graphs
	}
	return inst, nil
}

var _ Client = (*Redis)(nil)
