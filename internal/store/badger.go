package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/log"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/xerrors"
)

// BadgerMaxValueSize bounds a single value. Larger values risk
// badger.ErrTxnTooBig with default memtable settings.
const BadgerMaxValueSize = 32 << 20

type BadgerOptions struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	Logger   log.Logger
}

// Badger is an embedded Store for single-node deployments where a separate
// key/value service is not available.
type Badger struct {
	db *badger.DB
}

func OpenBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, xerrors.New("badger dir is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	bo := badger.DefaultOptions(opts.Dir).
		WithLogger(badgerLogger{l: opts.Logger.With("component", "badger")})
	if opts.InMemory {
		bo = bo.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(bo)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open badger %s", opts.Dir)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "badger get %s", key)
	}
	return out, nil
}

func (b *Badger) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(value) > BadgerMaxValueSize {
		return ErrValueTooLarge
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return ErrValueTooLarge
	}
	if err != nil {
		return xerrors.Wrapf(err, "badger set %s", key)
	}
	return nil
}

func (b *Badger) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	p := []byte(prefix)
	err := b.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = p
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "badger list %s", prefix)
	}
	return keys, nil
}

func (b *Badger) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return xerrors.Wrapf(err, "badger delete %s", key)
	}
	return nil
}

func (b *Badger) MaxValueSize() int { return BadgerMaxValueSize }

func (b *Badger) Ping(context.Context) error {
	if b.db.IsClosed() {
		return xerrors.New("badger is closed")
	}
	return nil
}

func (b *Badger) Close() error { return b.db.Close() }

// badgerLogger routes badger's printf-style logging into the service logger.
// Badger logs at Info liberally during compaction, so Info is demoted to Debug.
type badgerLogger struct{ l log.Logger }

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(context.Background(), fmt.Errorf(format, args...), "badger error")
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(context.Background(), trimNL(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(context.Background(), trimNL(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(context.Background(), trimNL(fmt.Sprintf(format, args...)))
}

func trimNL(s string) string { return strings.TrimRight(s, "\n") }
