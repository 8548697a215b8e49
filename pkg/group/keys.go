package group

import "github.com/guido-cesarano/groupqueue/pkg/store"

// Key layout. Part of the external contract: observability tooling reads
// these shapes directly.
type keys struct {
	tasks           string // group:<g>:tasks             set of task ids
	order           string // group:<g>:order             zset id -> composite score
	state           string // group:<g>:state             hash id -> status
	processing      string // group:<g>:processing        set of in-flight ids
	processingStart string // group:<g>:processing_start  hash id -> epoch ms
	options         string // group:<g>:options           hash id -> options JSON
	data            string // group:<g>:data              hash id -> payload JSON
	method          string // group:<g>:method            hash id -> task name
	retries         string // group:<g>:retries           hash id -> attempt count
	rateLimit       string // group:<g>:rateLimit         zset of admission stamps
	lock            string // group:<g>:lock              TTL lock
	stats           string // group:<g>:stats             cached summary hash
	priorities      string // group:priorities            hash name -> priority
}

func newKeys(s *store.Store, name string) keys {
	return keys{
		tasks:           s.Key("group", name, "tasks"),
		order:           s.Key("group", name, "order"),
		state:           s.Key("group", name, "state"),
		processing:      s.Key("group", name, "processing"),
		processingStart: s.Key("group", name, "processing_start"),
		options:         s.Key("group", name, "options"),
		data:            s.Key("group", name, "data"),
		method:          s.Key("group", name, "method"),
		retries:         s.Key("group", name, "retries"),
		rateLimit:       s.Key("group", name, "rateLimit"),
		lock:            s.Key("group", name, "lock"),
		stats:           s.Key("group", name, "stats"),
		priorities:      s.Key("group", "priorities"),
	}
}

// PrioritiesKey is where per-group priorities persist across processes.
func PrioritiesKey(s *store.Store) string {
	return s.Key("group", "priorities")
}
