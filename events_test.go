// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import "testing"

func TestDispatcherDeliversInRegistrationOrder(t *testing.T) {
	var d Dispatcher[int]
	var order []int
	d.On(func(v int) { order = append(order, v*10+1) })
	d.On(func(v int) { order = append(order, v*10+2) })

	d.Emit(1)

	want := []int{11, 12}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDispatcherUnsubscribeStopsDelivery(t *testing.T) {
	var d Dispatcher[string]
	calls := 0
	unsub := d.On(func(string) { calls++ })

	d.Emit("a")
	unsub()
	d.Emit("b")

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDispatcherListenerAddedDuringEmitSkipsCurrentDispatch(t *testing.T) {
	var d Dispatcher[int]
	var secondCalled bool
	d.On(func(int) {
		d.On(func(int) { secondCalled = true })
	})

	d.Emit(1)
	if secondCalled {
		t.Fatalf("listener added mid-dispatch must not fire for that same Emit")
	}

	d.Emit(2)
	if !secondCalled {
		t.Fatalf("listener added mid-dispatch should fire on the next Emit")
	}
}

func TestDispatcherRemovedDuringEmitTakesEffectIfNotYetRun(t *testing.T) {
	var d Dispatcher[int]
	var unsubSecond func()
	var secondCalled bool

	d.On(func(int) {
		unsubSecond()
	})
	unsubSecond = d.On(func(int) { secondCalled = true })

	d.Emit(1)

	if secondCalled {
		t.Fatalf("listener removed before its turn must not fire for that dispatch")
	}
}
