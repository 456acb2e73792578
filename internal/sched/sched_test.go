package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/quantumos/quantum/internal/waitqueue"
	"github.com/stretchr/testify/require"
)

func TestCreateThreadRunsEntry(t *testing.T) {
	s := NewScheduler(5, nil)
	task := s.NewTask(nil)

	done := make(chan struct{})
	th := s.CreateThread(task, func(self *Thread) {
		close(done)
	}, 4096)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("thread entry never ran")
	}
	th.Wait()
	require.Equal(t, StateZombie, th.State())
}

func TestYieldRoundRobinsBetweenThreads(t *testing.T) {
	s := NewScheduler(5, nil)
	task := s.NewTask(nil)

	var mu sync.Mutex
	var order []int
	record := func(n int) {
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
	}

	firstDone := make(chan struct{})
	secondDone := make(chan struct{})

	first := s.CreateThread(task, func(self *Thread) {
		record(1)
		s.Yield(self)
		record(3)
		close(firstDone)
	}, 4096)

	second := s.CreateThread(task, func(self *Thread) {
		record(2)
		close(secondDone)
	}, 4096)

	<-firstDone
	<-secondDone
	first.Wait()
	second.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestSleepTicksTimesOutAfterQuota(t *testing.T) {
	s := NewScheduler(5, nil)
	task := s.NewTask(nil)
	var q waitqueue.Queue

	result := make(chan bool, 1)
	s.CreateThread(task, func(self *Thread) {
		timedOut := s.SleepTicks(self, 2, &q)
		result <- timedOut
	}, 4096)

	// advance ticks on a nil "running" thread; the sleeping thread is
	// tracked independently of whichever thread currently holds the
	// CPU token.
	s.Tick(nil)
	s.Tick(nil)

	select {
	case timedOut := <-result:
		require.True(t, timedOut)
	case <-time.After(time.Second):
		t.Fatal("sleep never timed out")
	}
}

func TestSleepTicksWakesEarlyOnExternalWakeOne(t *testing.T) {
	s := NewScheduler(5, nil)
	task := s.NewTask(nil)
	var q waitqueue.Queue

	result := make(chan bool, 1)
	started := make(chan struct{})
	s.CreateThread(task, func(self *Thread) {
		close(started)
		timedOut := s.SleepTicks(self, 100, &q)
		result <- timedOut
	}, 4096)

	<-started
	// give SleepTicks time to enqueue before waking it.
	time.Sleep(10 * time.Millisecond)
	q.WakeOne()

	select {
	case timedOut := <-result:
		require.False(t, timedOut)
	case <-time.After(time.Second):
		t.Fatal("sleep never woke early")
	}
}

func TestTickForcesPreemptionAfterQuantum(t *testing.T) {
	s := NewScheduler(2, nil)
	task := s.NewTask(nil)
	block := make(chan struct{})
	th := s.CreateThread(task, func(self *Thread) {
		<-block
	}, 4096)
	defer close(block)

	require.False(t, s.Tick(s.Current()))
	require.True(t, s.Tick(s.Current()))
	require.Equal(t, th, s.Current())
}

func TestDisablePreemptionSuppressesForcedYield(t *testing.T) {
	s := NewScheduler(1, nil)
	task := s.NewTask(nil)
	block := make(chan struct{})
	th := s.CreateThread(task, func(self *Thread) {
		<-block
	}, 4096)
	defer close(block)

	s.DisablePreemption()
	require.False(t, s.Tick(th))
	s.EnablePreemption()
}

func TestWakeOnZombieThreadIsNoOp(t *testing.T) {
	s := NewScheduler(5, nil)
	task := s.NewTask(nil)
	done := make(chan struct{})
	th := s.CreateThread(task, func(self *Thread) { close(done) }, 4096)
	<-done
	th.Wait()

	s.Wake(th) // must not panic or hang
	require.Equal(t, StateZombie, th.State())
}
