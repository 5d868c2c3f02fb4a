package fabric

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// directory is an eventually consistent view of which node takes part in
// which topic. Every node gossips its own claims, ordered by a per-node
// revision.
type directory struct {
	d  *iradix.Tree
	lk sync.RWMutex

	// a local monotonic clock to order our local changes. It starts from
	// the wall clock so a restarted node keeps superseding its old claims.
	clock uint64

	logger        *slog.Logger
	localNodeName string
}

type topicRecord struct {
	history map[string]claim
}

func newDirectory(logger *slog.Logger, localNodeName string) *directory {
	return &directory{
		d:             iradix.New(),
		clock:         uint64(time.Now().UnixNano()),
		logger:        logger,
		localNodeName: localNodeName,
	}
}

// record applies c and reports whether c.Node just started claiming the
// topic. In synchronous mode, c is a local change and gets a fresh revision.
func (dir *directory) record(c claim, synchronous bool) (claim, bool, error) {
	if c.Topic == "" || c.Node == "" || c.Mode == claimModeUnspecified || (c.Rev == 0 && !synchronous) {
		return c, false, ErrInvalidFrame
	}

	dir.lk.Lock()
	defer dir.lk.Unlock()

	if synchronous {
		dir.clock = dir.clock + 1
		c.Rev = dir.clock
	}

	key := []byte(c.Topic)
	raw, has := dir.d.Get(key)
	if !has {
		// An unclaim is kept as a tombstone so an older claim arriving late
		// cannot resurrect the membership.
		dir.d, _, _ = dir.d.Insert(key, &topicRecord{
			history: map[string]claim{c.Node: c},
		})
		return c, c.Mode == claimModeClaim, nil
	}

	record := raw.(*topicRecord)
	previous, hasPrevious := record.history[c.Node]
	if hasPrevious && c.Rev <= previous.Rev {
		// stale or duplicate
		return c, false, nil
	}
	record.history[c.Node] = c

	joined := c.Mode == claimModeClaim && (!hasPrevious || previous.Mode != claimModeClaim)
	return c, joined, nil
}

// members of topic, sorted by name.
func (dir *directory) members(topic string) []string {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	raw, has := dir.d.Get([]byte(topic))
	if !has {
		return nil
	}
	return raw.(*topicRecord).claimants()
}

// topics with at least one member, filtered by prefix.
func (dir *directory) topics(prefix string) (found []string) {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	dir.d.Root().WalkPrefix([]byte(prefix), func(k []byte, v interface{}) bool {
		if len(v.(*topicRecord).claimants()) > 0 {
			found = append(found, string(k))
		}
		return false
	})
	return
}

// localClaims lists the topics the local node currently takes part in.
func (dir *directory) localClaims() (claims []claim) {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	dir.d.Root().Walk(func(k []byte, v interface{}) bool {
		c, ok := v.(*topicRecord).history[dir.localNodeName]
		if ok && c.Mode == claimModeClaim {
			claims = append(claims, c)
		}
		return false
	})
	return
}

// dropNode forgets everything node claimed, it left the cluster.
func (dir *directory) dropNode(node string) (dropped []string) {
	dir.lk.Lock()
	defer dir.lk.Unlock()
	var empty [][]byte
	dir.d.Root().Walk(func(k []byte, v interface{}) bool {
		record := v.(*topicRecord)
		c, ok := record.history[node]
		if !ok {
			return false
		}
		if c.Mode == claimModeClaim {
			dropped = append(dropped, string(k))
		}
		delete(record.history, node)
		if len(record.history) == 0 {
			empty = append(empty, k)
		}
		return false
	})
	for _, k := range empty {
		dir.d, _, _ = dir.d.Delete(k)
	}
	if len(dropped) > 0 {
		dir.logger.Debug("dropped claims of a departed node", LabelPeerName.L(node), "topics", dropped)
	}
	return
}

func (record *topicRecord) claimants() []string {
	nodes := make([]string, 0, len(record.history))
	for node, c := range record.history {
		if c.Mode == claimModeClaim {
			nodes = append(nodes, node)
		}
	}
	slices.Sort(nodes)
	return nodes
}
