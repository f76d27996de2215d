package sqlstore

import (
	"fmt"

	"github.com/goliatone/go-issuance/core"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds the SQL-backed stores over one bun database.
type RepositoryFactory struct {
	db *bun.DB

	issuanceStore *IssuanceStore
	taskStore     *TaskStore
	locker        *TableLocker
	outboxStore   *OutboxStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.issuanceStore != nil && f.taskStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) IssuanceStore() core.IssuanceStore {
	if f == nil || f.issuanceStore == nil {
		return nil
	}
	return f.issuanceStore
}

func (f *RepositoryFactory) TaskScheduler() core.TaskScheduler {
	if f == nil || f.taskStore == nil {
		return nil
	}
	return f.taskStore
}

// TaskQueue exposes the claimable side of the task store for runners.
func (f *RepositoryFactory) TaskQueue() *TaskStore {
	if f == nil {
		return nil
	}
	return f.taskStore
}

func (f *RepositoryFactory) Locker() core.Locker {
	if f == nil || f.locker == nil {
		return nil
	}
	return f.locker
}

func (f *RepositoryFactory) EventOutbox() core.OutboxStore {
	if f == nil || f.outboxStore == nil {
		return nil
	}
	return f.outboxStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	issuanceStore, err := NewIssuanceStore(f.db)
	if err != nil {
		return err
	}
	f.issuanceStore = issuanceStore
	taskStore, err := NewTaskStore(f.db)
	if err != nil {
		return err
	}
	f.taskStore = taskStore
	locker, err := NewTableLocker(f.db)
	if err != nil {
		return err
	}
	f.locker = locker
	outboxStore, err := NewOutboxStore(f.db)
	if err != nil {
		return err
	}
	f.outboxStore = outboxStore
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
