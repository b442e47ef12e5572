package redis

import (
	"fmt"
	"sort"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Config represents the Redis store config structure.
type Config struct {
	Address     string        `koanf:"address" validate:"required"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	ActiveConns int           `koanf:"active_conns" validate:"gte=0"`
	IdleConns   int           `koanf:"idle_conns" validate:"gte=0"`
	Timeout     time.Duration `koanf:"timeout"`

	// PrefixRoom is a format string that takes the room ID, eg: "roomcast:room:%s".
	PrefixRoom  string `koanf:"prefix_room" validate:"required"`
	PrefixRooms string `koanf:"prefix_rooms" validate:"required"`
}

// Redis represents the Redis implementation of the Store interface.
// Every node of a deployment can point to the same Redis instance to
// share presence.
type Redis struct {
	cfg  *Config
	pool *redis.Pool
}

// Every room is a hash of identity -> number of connections, which Redis
// drops with its last field. Rooms that have members are also kept in an
// index set. Every script updates both.
//
// KEYS[1] = room hash, KEYS[2] = room index.
// ARGV[1] = identity, ARGV[2] = room ID.
var (
	addMember = redis.NewScript(2, `
redis.call("HSETNX", KEYS[1], ARGV[1], 0)
redis.call("SADD", KEYS[2], ARGV[2])
return 1
`)

	removeMember = redis.NewScript(2, `
redis.call("HDEL", KEYS[1], ARGV[1])
if redis.call("HLEN", KEYS[1]) == 0 then
	redis.call("SREM", KEYS[2], ARGV[2])
end
return 1
`)

	acquireMember = redis.NewScript(2, `
local added = redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0
redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
redis.call("SADD", KEYS[2], ARGV[2])
if added then
	return 1
end
return 0
`)

	releaseMember = redis.NewScript(2, `
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
	return 0
end
if redis.call("HINCRBY", KEYS[1], ARGV[1], -1) > 0 then
	return 0
end
redis.call("HDEL", KEYS[1], ARGV[1])
if redis.call("HLEN", KEYS[1]) == 0 then
	redis.call("SREM", KEYS[2], ARGV[2])
end
return 1
`)
)

// New returns a new Redis store.
func New(cfg Config) (*Redis, error) {
	pool := &redis.Pool{
		Wait:      true,
		MaxActive: cfg.ActiveConns,
		MaxIdle:   cfg.IdleConns,
		Dial: func() (redis.Conn, error) {
			return redis.Dial(
				"tcp",
				cfg.Address,
				redis.DialPassword(cfg.Password),
				redis.DialConnectTimeout(cfg.Timeout),
				redis.DialReadTimeout(cfg.Timeout),
				redis.DialWriteTimeout(cfg.Timeout),
				redis.DialDatabase(cfg.DB),
			)
		},
	}

	// Test connection.
	c := pool.Get()
	defer c.Close()

	if err := c.Err(); err != nil {
		return nil, err
	}
	return &Redis{cfg: &cfg, pool: pool}, nil
}

// Close closes the connection pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}

// AddMember adds an identity to a room without counting a connection.
func (r *Redis) AddMember(roomID, identity string) error {
	c := r.pool.Get()
	defer c.Close()

	_, err := addMember.Do(c, r.roomKey(roomID), r.cfg.PrefixRooms, identity, roomID)
	return err
}

// RemoveMember removes an identity from a room whatever its connections.
func (r *Redis) RemoveMember(roomID, identity string) error {
	c := r.pool.Get()
	defer c.Close()

	_, err := removeMember.Do(c, r.roomKey(roomID), r.cfg.PrefixRooms, identity, roomID)
	return err
}

// AcquireMember counts a connection of an identity in a room.
func (r *Redis) AcquireMember(roomID, identity string) (bool, error) {
	c := r.pool.Get()
	defer c.Close()

	return redis.Bool(acquireMember.Do(c, r.roomKey(roomID), r.cfg.PrefixRooms, identity, roomID))
}

// ReleaseMember uncounts a connection of an identity in a room and removes
// the identity with its last one.
func (r *Redis) ReleaseMember(roomID, identity string) (bool, error) {
	c := r.pool.Get()
	defer c.Close()

	return redis.Bool(releaseMember.Do(c, r.roomKey(roomID), r.cfg.PrefixRooms, identity, roomID))
}

// Members returns the sorted members of a room.
func (r *Redis) Members(roomID string) ([]string, error) {
	c := r.pool.Get()
	defer c.Close()

	return sortedStrings(c.Do("HKEYS", r.roomKey(roomID)))
}

// RoomExists checks if a room has members.
func (r *Redis) RoomExists(roomID string) (bool, error) {
	c := r.pool.Get()
	defer c.Close()

	ok, err := redis.Bool(c.Do("EXISTS", r.roomKey(roomID)))
	if err != nil && err != redis.ErrNil {
		return false, err
	}
	return ok, nil
}

// Rooms returns the sorted list of rooms that have members.
func (r *Redis) Rooms() ([]string, error) {
	c := r.pool.Get()
	defer c.Close()

	return sortedStrings(c.Do("SMEMBERS", r.cfg.PrefixRooms))
}

func (r *Redis) roomKey(roomID string) string {
	return fmt.Sprintf(r.cfg.PrefixRoom, roomID)
}

func sortedStrings(reply interface{}, err error) ([]string, error) {
	out, err := redis.Strings(reply, err)
	if err != nil && err != redis.ErrNil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	sort.Strings(out)
	return out, nil
}
