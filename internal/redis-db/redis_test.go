/*
Copyright 2025 Gatherpay Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redis_db

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
)

func TestParseRedisURL(t *testing.T) {
	opts, err := ParseRedisURL("redis:6379")
	assert.NoError(t, err)
	assert.Equal(t, "redis:6379", opts.Addr)

	opts, err = ParseRedisURL("redis://:secret@localhost:6380/2")
	assert.NoError(t, err)
	assert.Equal(t, "localhost:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
}

func TestNewRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	assert.NoError(t, err)
	defer mr.Close()

	r, err := NewRedisClient([]string{mr.Addr()})
	assert.NoError(t, err)
	assert.NotNil(t, r.Client())

	pong, err := r.Client().Ping(context.Background()).Result()
	assert.NoError(t, err)
	assert.Equal(t, "PONG", pong)
}

func TestNewRedisClientEmpty(t *testing.T) {
	_, err := NewRedisClient(nil)
	assert.Error(t, err)
}
