package core

// Stack is the upper network stack a device reports to.
// Implementations must not block; they are called from the event worker.
type Stack interface {
	NotifyLinkChange(port uint8, state LinkState)
	DeliverReceivedFrame(frame []byte, meta RxMeta)
	SignalTransmitReady()
}
