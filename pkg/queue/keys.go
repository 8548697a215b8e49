package queue

import "github.com/guido-cesarano/groupqueue/pkg/store"

// Key layout. The shapes under queue:<name> are internal, but
// queues:set, queue:meta:<name> and queue:config:<name> are part of the
// external contract consumed by observability tooling.
type keys struct {
	set       string // queues:set                 set of queue names
	meta      string // queue:meta:<name>          hash createdAt/lastActivity/instanceId
	config    string // queue:config:<name>        serialized options
	waiting   string // queue:<name>:waiting       zset id -> waiting score
	delayed   string // queue:<name>:delayed       zset id -> ready-at epoch ms
	waitscore string // queue:<name>:waitscore     hash id -> waiting score
	active    string // queue:<name>:active        set of in-flight ids
	completed string // queue:<name>:completed     capped list of completed ids
	failed    string // queue:<name>:failed        capped list of failed ids
	ids       string // queue:<name>:ids           set of all job ids
	scheduled string // queue:<name>:scheduled     hash id -> scheduled template
	paused    string // queue:<name>:paused        flag
	rateLimit string // queue:<name>:rateLimit     zset of admission stamps
	jobPrefix string // queue:<name>:job:<id>      task JSON
}

func newKeys(s *store.Store, name string) keys {
	return keys{
		set:       s.Key("queues", "set"),
		meta:      s.Key("queue", "meta", name),
		config:    s.Key("queue", "config", name),
		waiting:   s.Key("queue", name, "waiting"),
		delayed:   s.Key("queue", name, "delayed"),
		waitscore: s.Key("queue", name, "waitscore"),
		active:    s.Key("queue", name, "active"),
		completed: s.Key("queue", name, "completed"),
		failed:    s.Key("queue", name, "failed"),
		ids:       s.Key("queue", name, "ids"),
		scheduled: s.Key("queue", name, "scheduled"),
		paused:    s.Key("queue", name, "paused"),
		rateLimit: s.Key("queue", name, "rateLimit"),
		jobPrefix: s.Key("queue", name, "job"),
	}
}

func (k keys) job(id string) string {
	return k.jobPrefix + ":" + id
}
