package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMulti(t *testing.T) {
	var a, b Collector
	Multi{&a, &b}.Fire(Event{Name: "x"})
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestAsyncDeliversEverything(t *testing.T) {
	var n int64
	slow := SinkFunc(func(Event) {
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&n, 1)
	})
	a := NewAsync(slow, 4)

	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				a.Fire(Event{Name: "e"})
			}
		}()
	}
	wg.Wait()
	a.Close()
	a.Close()
	assert.EqualValues(t, 100, atomic.LoadInt64(&n))
}

func TestCollectorNamed(t *testing.T) {
	var c Collector
	c.Fire(Event{Name: "/a/first"})
	c.Fire(Event{Name: "/a/all", Failure: errors.New("slow")})
	all := c.Named("/a/all")
	assert.Len(t, all, 1)
	assert.False(t, all[0].Success())
	assert.True(t, c.Named("/a/first")[0].Success())
}
