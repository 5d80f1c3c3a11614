// Copyright 2026 David Yordan. All Rights Reserved.
//
// Created: June 2026
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

package store

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryInflight_MarkUnmark(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryInflight()

	ok, err := m.TryMark(ctx, "user-a")
	if err != nil || !ok {
		t.Fatalf("first mark = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = m.TryMark(ctx, "user-a")
	if err != nil || ok {
		t.Fatalf("duplicate mark = (%v, %v), want (false, nil)", ok, err)
	}
	if err := m.Unmark(ctx, "user-a"); err != nil {
		t.Fatalf("unmark: %v", err)
	}
	ok, err = m.TryMark(ctx, "user-a")
	if err != nil || !ok {
		t.Fatalf("mark after unmark = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestMemoryInflight_OneWinnerUnderContention(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryInflight()

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.TryMark(ctx, "contested")
			if err != nil {
				t.Errorf("mark: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("%d goroutines won the mark, want exactly 1", wins)
	}
}
