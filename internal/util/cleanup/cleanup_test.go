/*
Copyright 2025 Alexandre Mahdhaoui

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

//go:build unit

package cleanup_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alexandremahdhaoui/vmtest/internal/util/cleanup"
	"github.com/stretchr/testify/assert"
)

func TestGuard_RunsActionsInOrder(t *testing.T) {
	guard := cleanup.NewGuard("test")

	var order []string
	guard.Register("stop", func(ctx context.Context) error {
		order = append(order, "stop")
		return nil
	})
	guard.Register("delete", func(ctx context.Context) error {
		order = append(order, "delete")
		return nil
	})

	guard.Run(context.Background())

	assert.Equal(t, []string{"stop", "delete"}, order)
	assert.True(t, guard.Done())
}

func TestGuard_RunsExactlyOnce(t *testing.T) {
	guard := cleanup.NewGuard("test")

	count := 0
	guard.Register("count", func(ctx context.Context) error {
		count++
		return nil
	})

	guard.Run(context.Background())
	guard.Run(context.Background())

	assert.Equal(t, 1, count)
}

func TestGuard_FailingActionDoesNotSkipNext(t *testing.T) {
	guard := cleanup.NewGuard("test")

	deleted := false
	guard.Register("stop", func(ctx context.Context) error {
		return errors.New("stop failed")
	})
	guard.Register("delete", func(ctx context.Context) error {
		deleted = true
		return nil
	})

	guard.Run(context.Background())

	assert.True(t, deleted, "delete must run even when stop fails")
}

func TestGuard_RegisterAfterRunIsIgnored(t *testing.T) {
	guard := cleanup.NewGuard("test")
	guard.Run(context.Background())

	ran := false
	guard.Register("late", func(ctx context.Context) error {
		ran = true
		return nil
	})
	guard.Run(context.Background())

	assert.False(t, ran)
}

func TestGuard_ConcurrentRunIsSafe(t *testing.T) {
	guard := cleanup.NewGuard("test")

	count := 0
	guard.Register("count", func(ctx context.Context) error {
		count++
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guard.Run(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, count)
}
