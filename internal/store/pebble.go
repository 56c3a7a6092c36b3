package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"agentpilot/internal/history"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	ctx:<id>                  context JSON
//	child:<parent>:<id>       empty, parent -> child index
//	root:<id>                 empty, root index
//	msg:<ctx>:<id>            message JSON
//	leaf:<root>               leaf id
//	seq:msg / seq:ctx         last assigned ids
//
// Ids are zero padded so lexical order matches numeric order.
type Pebble struct {
	db *pebble.DB

	mu      sync.Mutex
	lastMsg int64
	lastCtx int64
}

var (
	seqMsgKey = []byte("seq:msg")
	seqCtxKey = []byte("seq:ctx")
)

func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	p := &Pebble{db: db}
	if p.lastMsg, err = p.readInt(seqMsgKey); err != nil {
		_ = db.Close()
		return nil, err
	}
	if p.lastCtx, err = p.readInt(seqCtxKey); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

func pad(id int64) string { return fmt.Sprintf("%020d", id) }

func ctxKey(id int64) []byte           { return []byte("ctx:" + pad(id)) }
func childKey(parent, id int64) []byte { return []byte("child:" + pad(parent) + ":" + pad(id)) }
func childPrefix(parent int64) []byte  { return []byte("child:" + pad(parent) + ":") }
func rootKey(id int64) []byte          { return []byte("root:" + pad(id)) }
func msgKey(ctxID, id int64) []byte    { return []byte("msg:" + pad(ctxID) + ":" + pad(id)) }
func msgPrefix(ctxID int64) []byte     { return []byte("msg:" + pad(ctxID) + ":") }
func leafKey(root int64) []byte        { return []byte("leaf:" + pad(root)) }

// upperBound is the first key after every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

func (p *Pebble) readInt(key []byte) (int64, error) {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return n, nil
}

func (p *Pebble) getJSON(key []byte, dst any) error {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return history.ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(v, dst)
}

func (p *Pebble) InsertMessage(_ context.Context, m history.Message) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.getJSON(ctxKey(m.ContextID), &history.Context{}); err != nil {
		return 0, err
	}
	id := p.lastMsg + 1
	m.ID = id
	data, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(m.ContextID, id), data, nil); err != nil {
		return 0, err
	}
	if err := b.Set(seqMsgKey, []byte(strconv.FormatInt(id, 10)), nil); err != nil {
		return 0, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	p.lastMsg = id
	return id, nil
}

func (p *Pebble) SelectChain(_ context.Context, chain []history.ChainLink) ([]history.Message, error) {
	var out []history.Message
	for _, link := range chain {
		prefix := msgPrefix(link.ContextID)
		opts := &pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)}
		if link.BeforeID != 0 {
			opts.UpperBound = msgKey(link.ContextID, link.BeforeID)
		}
		iter, err := p.db.NewIter(opts)
		if err != nil {
			return nil, err
		}
		for iter.First(); iter.Valid(); iter.Next() {
			var m history.Message
			if err := json.Unmarshal(iter.Value(), &m); err != nil {
				_ = iter.Close()
				return nil, fmt.Errorf("decode message %s: %w", iter.Key(), err)
			}
			out = append(out, m)
		}
		if err := iter.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Pebble) InsertContext(_ context.Context, c history.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.ParentID != 0 {
		if err := p.getJSON(ctxKey(c.ParentID), &history.Context{}); err != nil {
			return 0, err
		}
	}
	id := p.lastCtx + 1
	c.ID = id
	data, err := json.Marshal(c)
	if err != nil {
		return 0, fmt.Errorf("marshal context: %w", err)
	}
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(ctxKey(id), data, nil); err != nil {
		return 0, err
	}
	index := rootKey(id)
	if c.ParentID != 0 {
		index = childKey(c.ParentID, id)
	}
	if err := b.Set(index, nil, nil); err != nil {
		return 0, err
	}
	if err := b.Set(seqCtxKey, []byte(strconv.FormatInt(id, 10)), nil); err != nil {
		return 0, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	p.lastCtx = id
	return id, nil
}

func (p *Pebble) UpdateLeaf(_ context.Context, rootID, leafID int64) error {
	if err := p.getJSON(ctxKey(leafID), &history.Context{}); err != nil {
		return err
	}
	return p.db.Set(leafKey(rootID), []byte(strconv.FormatInt(leafID, 10)), pebble.Sync)
}

func (p *Pebble) DeleteMessagesSince(_ context.Context, contextID, msgID int64) error {
	return p.db.DeleteRange(msgKey(contextID, msgID), upperBound(msgPrefix(contextID)), pebble.Sync)
}

func (p *Pebble) GetContext(_ context.Context, id int64) (history.Context, error) {
	var c history.Context
	if err := p.getJSON(ctxKey(id), &c); err != nil {
		return history.Context{}, err
	}
	return c, nil
}

func (p *Pebble) ChildContexts(ctx context.Context, parentID int64) ([]history.Context, error) {
	return p.indexedContexts(ctx, childPrefix(parentID))
}

func (p *Pebble) RootContexts(ctx context.Context) ([]history.Context, error) {
	return p.indexedContexts(ctx, []byte("root:"))
}

func (p *Pebble) indexedContexts(ctx context.Context, prefix []byte) ([]history.Context, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	var ids []int64
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		raw := key[bytes.LastIndexByte(key, ':')+1:]
		id, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			_ = iter.Close()
			return nil, fmt.Errorf("decode index key %s: %w", key, err)
		}
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	out := make([]history.Context, 0, len(ids))
	for _, id := range ids {
		c, err := p.GetContext(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *Pebble) Leaf(_ context.Context, rootID int64) (int64, error) {
	v, closer, err := p.db.Get(leafKey(rootID))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, history.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return strconv.ParseInt(string(v), 10, 64)
}
