// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRunner_ExecutesSubmittedWork(t *testing.T) {
	r := newTaskRunner(testLogger(), 4)
	defer r.Close()

	done := make(chan struct{})
	require.NoError(t, r.Submit("work", func(ctx context.Context) error {
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestTaskRunner_FailuresAreSupervisedNotFatal(t *testing.T) {
	r := newTaskRunner(testLogger(), 4)
	defer r.Close()

	var ran atomic.Int32
	require.NoError(t, r.Submit("boom", func(ctx context.Context) error {
		ran.Add(1)
		return errors.New("boom")
	}))
	require.NoError(t, r.Submit("after", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}))

	assert.Eventually(t, func() bool { return ran.Load() == 2 },
		5*time.Second, 10*time.Millisecond)
}

func TestTaskRunner_RejectsWhenQueueFull(t *testing.T) {
	r := newTaskRunner(testLogger(), 1)
	defer r.Close()

	block := make(chan struct{})
	defer close(block)

	// Occupy the worker, then fill the single queue slot.
	require.NoError(t, r.Submit("blocker", func(ctx context.Context) error {
		<-block
		return nil
	}))
	// The worker may not have picked up the blocker yet, so filling
	// can take two submissions; the one after that must fail.
	var err error
	for i := 0; i < 3; i++ {
		err = r.Submit("fill", func(ctx context.Context) error { return nil })
		if err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is full")
}

func TestTaskRunner_CloseDrainsQueue(t *testing.T) {
	r := newTaskRunner(testLogger(), 8)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Submit("work", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	r.Close()
	assert.Equal(t, int32(5), ran.Load())
}

func TestTaskRunner_RejectsAfterClose(t *testing.T) {
	r := newTaskRunner(testLogger(), 4)
	r.Close()

	err := r.Submit("late", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shut down")
}
