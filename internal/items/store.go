// Package items はワーカーが書き込む成果物ストアの件数取得と、出力ファイルからの成果物の読み取りを扱います。
package items

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Store は成果物ストア（Redis の 1 キー）の件数を返します。
// キーの型に応じて件数の数え方を変えます。
type Store struct {
	rdb *redis.Client
	key string
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, key string) *Store {
	return &Store{rdb: rdb, key: key}
}

// Key は対象のキー名です。
func (s *Store) Key() string {
	return s.key
}

// Count は現在の件数を返します。キーが存在しなければ 0 です。
//
//	string → 整数値として解釈
//	set / list / hash / zset → 要素数
func (s *Store) Count(ctx context.Context) (int64, error) {
	typ, err := s.rdb.Type(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("type %s: %w", s.key, err)
	}
	switch typ {
	case "none":
		return 0, nil
	case "string":
		raw, err := s.rdb.Get(ctx, s.key).Result()
		if err != nil {
			return 0, err
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("key %s does not hold an integer: %w", s.key, err)
		}
		return n, nil
	case "set":
		return s.rdb.SCard(ctx, s.key).Result()
	case "list":
		return s.rdb.LLen(ctx, s.key).Result()
	case "hash":
		return s.rdb.HLen(ctx, s.key).Result()
	case "zset":
		return s.rdb.ZCard(ctx, s.key).Result()
	default:
		return 0, fmt.Errorf("key %s has unsupported type %q", s.key, typ)
	}
}
