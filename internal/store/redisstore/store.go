// Package redisstore holds FCM device tokens so both the server and the push
// worker can resolve them without a DB round trip.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/chat-relay/internal/chat"
)

// Tokens are refreshed by the app on every launch; a stale entry only costs
// one failed FCM send.
const tokenTTL = 90 * 24 * time.Hour

const staffIndexKey = "fcm:staff_ids"

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func tokenKey(role chat.Role, userID uint64) string {
	return fmt.Sprintf("fcm:token:%s:%d", role, userID)
}

// SaveDeviceToken stores the token for a user. Staff users (except the
// virtual Support identity) are also indexed for notify-all-staff pushes.
func (s *Store) SaveDeviceToken(ctx context.Context, role chat.Role, userID uint64, token string) error {
	if err := s.rdb.Set(ctx, tokenKey(role, userID), token, tokenTTL).Err(); err != nil {
		return err
	}
	if role == chat.RoleStaff && userID != chat.SupportStaffID {
		return s.rdb.SAdd(ctx, staffIndexKey, strconv.FormatUint(userID, 10)).Err()
	}
	return nil
}

// DeviceToken returns the stored token, or "" when the user has none.
func (s *Store) DeviceToken(ctx context.Context, role chat.Role, userID uint64) (string, error) {
	token, err := s.rdb.Get(ctx, tokenKey(role, userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// StaffDeviceTokens returns every known staff token. Staff without a current
// token are skipped.
func (s *Store) StaffDeviceTokens(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, staffIndexKey).Result()
	if err != nil {
		return nil, err
	}

	var tokens []string
	for _, raw := range ids {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		token, err := s.DeviceToken(ctx, chat.RoleStaff, id)
		if err != nil {
			return nil, err
		}
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

func (s *Store) Close() error { return s.rdb.Close() }
