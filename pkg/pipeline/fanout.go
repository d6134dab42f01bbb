package pipeline

import "sync"

// FanOut is an observer list. Listeners are called in registration order on
// the goroutine that calls Emit. The zero value is ready to use.
type FanOut[T any] struct {
    mu   sync.Mutex
    next uint64
    ls   []listener[T]
}

type listener[T any] struct {
    id uint64
    fn func(T)
}

// Listen registers fn and returns a function that removes it again. The
// returned function may be called any number of times.
func (f *FanOut[T]) Listen(fn func(T)) (unlisten func()) {
    f.mu.Lock()
    f.next++
    id := f.next
    f.ls = append(f.ls, listener[T]{id: id, fn: fn})
    f.mu.Unlock()
    var once sync.Once
    return func() { once.Do(func() { f.remove(id) }) }
}

func (f *FanOut[T]) remove(id uint64) {
    f.mu.Lock()
    defer f.mu.Unlock()
    for i, l := range f.ls {
        if l.id == id {
            f.ls = append(f.ls[:i:i], f.ls[i+1:]...)
            return
        }
    }
}

func (f *FanOut[T]) Emit(v T) {
    f.mu.Lock()
    ls := f.ls
    f.mu.Unlock()
    for _, l := range ls { l.fn(v) }
}

func (f *FanOut[T]) Len() int {
    f.mu.Lock()
    defer f.mu.Unlock()
    return len(f.ls)
}
