package core

var (
	_ IssuanceStore        = (*MemoryIssuanceStore)(nil)
	_ TaskQueue            = (*MemoryTaskQueue)(nil)
	_ Locker               = (*MemoryLocker)(nil)
	_ EventSink            = OutboxEventSink{}
	_ EventHandlerRegistry = (*EventHandlers)(nil)
	_ IssuanceEventHandler = IssuanceEventHandlerFunc(nil)
	_ IssuanceEventHandler = EventNameFilter{}
)
