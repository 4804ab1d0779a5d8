package vpn

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// Member is one supervised collaborator of a Group.
type Member struct {
	Name string
	// Done is closed when the member has exited.
	Done <-chan struct{}
	// Stop asks the member to exit. It may be nil.
	Stop func()
}

// Group races its members' exits: the first exit triggers a shutdown of
// the rest, and the group is done once every member has exited.
type Group struct {
	members []Member
	first   sync.Once
	started sync.Once
	done    chan struct{}
}

// NewGroup returns a group over members.
func NewGroup(members ...Member) *Group {
	return &Group{
		members: members,
		done:    make(chan struct{}),
	}
}

// Start watches the members. onFirst runs once, with the name of the first
// member to exit, before every member's Stop is called. Later calls to
// Start do nothing.
func (g *Group) Start(onFirst func(name string)) {
	g.started.Do(func() {
		var eg errgroup.Group
		for _, m := range g.members {
			eg.Go(func() error {
				<-m.Done
				g.first.Do(func() {
					if onFirst != nil {
						onFirst(m.Name)
					}
					g.stopAll()
				})
				return nil
			})
		}
		go func() {
			_ = eg.Wait()
			close(g.done)
		}()
	})
}

func (g *Group) stopAll() {
	for _, m := range g.members {
		if m.Stop != nil {
			m.Stop()
		}
	}
}

// Done is closed once every member has exited.
func (g *Group) Done() <-chan struct{} {
	return g.done
}
