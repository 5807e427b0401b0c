package tasks

import (
	"fmt"
	"runtime/debug"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// Group is an errgroup that turns panics of its goroutines into critical
// errors instead of crashing the process.
type Group struct {
	errGroup   errgroup.Group
	HandleCrit func(err error)
}

func (t *Group) Go(fn func() error) {
	t.errGroup.Go(func() error {
		defer func() {
			if err := recover(); err != nil {
				debug.PrintStack()
				crit := fmt.Errorf("panic: %v", err)
				if t.HandleCrit != nil {
					t.HandleCrit(crit)
				} else {
					log.Error("critical error in task", "err", crit)
				}
			}
		}()
		return fn()
	})
}

func (t *Group) Wait() error {
	return t.errGroup.Wait()
}
