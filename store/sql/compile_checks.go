package sqlstore

import "github.com/goliatone/go-issuance/core"

var (
	_ core.IssuanceStore          = (*IssuanceStore)(nil)
	_ core.TaskQueue              = (*TaskStore)(nil)
	_ core.Locker                 = (*TableLocker)(nil)
	_ core.LockHandle             = (*tableLockHandle)(nil)
	_ core.OutboxStore            = (*OutboxStore)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
