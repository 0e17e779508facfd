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

// Package cleanup provides a once-only guard for resource teardown.
//
// A Guard collects release actions as resources are acquired and runs
// them exactly once, in registration order, no matter which exit path
// triggers it. Actions are isolated from each other; one failing action
// never prevents the next from running.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
)

// Action is a single release step. It receives a context that is NOT the
// run context: teardown must proceed even after the run was cancelled.
type Action func(ctx context.Context) error

// Guard runs registered release actions exactly once.
type Guard struct {
	name string

	mu      sync.Mutex
	actions []registered

	once sync.Once
	done chan struct{}
}

type registered struct {
	name   string
	action Action
}

// NewGuard creates a Guard. The name appears in teardown log lines.
func NewGuard(name string) *Guard {
	return &Guard{
		name: name,
		done: make(chan struct{}),
	}
}

// Register adds a release action. Registration after Run has started is
// ignored: a resource acquired during teardown would leak anyway, so the
// caller must acquire-then-register before triggering the guard.
func (g *Guard) Register(name string, action Action) {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.done:
		slog.Warn("cleanup action registered after teardown started, ignoring",
			"guard", g.name, "action", name)
		return
	default:
	}

	g.actions = append(g.actions, registered{name: name, action: action})
}

// Run executes all registered actions in registration order. Safe to call
// multiple times and from a deferred path; only the first call executes.
// Action errors are logged, never returned: by the time teardown runs the
// run's verdict is already determined and must not be overwritten.
func (g *Guard) Run(ctx context.Context) {
	g.once.Do(func() {
		g.mu.Lock()
		actions := g.actions
		close(g.done)
		g.mu.Unlock()

		for _, r := range actions {
			if err := r.action(ctx); err != nil {
				slog.Error("cleanup action failed",
					"guard", g.name, "action", r.name, "error", err.Error())
			}
		}
	})
}

// Done reports whether teardown has started.
func (g *Guard) Done() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}
