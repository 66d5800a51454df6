package call

import (
	"sync"
	"testing"

	"go.viam.com/test"
)

func TestTaskQueue(t *testing.T) {
	t.Run("runs in order", func(t *testing.T) {
		q := newTaskQueue()
		var got []int
		for i := 0; i < 100; i++ {
			test.That(t, q.push(func() { got = append(got, i) }), test.ShouldBeTrue)
		}
		q.close()
		q.run()
		test.That(t, got, test.ShouldHaveLength, 100)
		for i, v := range got {
			test.That(t, v, test.ShouldEqual, i)
		}
	})

	t.Run("push after close", func(t *testing.T) {
		q := newTaskQueue()
		q.close()
		test.That(t, q.push(func() {}), test.ShouldBeFalse)
		_, ok := q.pop()
		test.That(t, ok, test.ShouldBeFalse)
	})

	t.Run("concurrent pushes", func(t *testing.T) {
		q := newTaskQueue()
		done := make(chan struct{})
		var count int
		go func() {
			defer close(done)
			q.run()
		}()

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					q.push(func() { count++ })
				}
			}()
		}
		wg.Wait()
		q.close()
		<-done
		test.That(t, count, test.ShouldEqual, 500)
	})

	t.Run("tasks may push", func(t *testing.T) {
		q := newTaskQueue()
		var got []string
		q.push(func() {
			got = append(got, "first")
			q.push(func() { got = append(got, "third") })
		})
		q.push(func() { got = append(got, "second") })
		task, ok := q.pop()
		test.That(t, ok, test.ShouldBeTrue)
		task()
		q.close()
		q.run()
		test.That(t, got, test.ShouldResemble, []string{"first", "second", "third"})
	})
}
