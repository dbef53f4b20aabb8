/*
Package bus provides a single-producer, multi-consumer broadcast of event records.

Every Subscription owns a fixed-size ring of records. Publish never blocks: when a
subscriber's ring is full, its oldest record is evicted to make room, and the next
Recv on that subscription reports the gap with a *LaggedError before resuming with the
oldest record still retained. Other subscriptions are not affected.

A Subscription only sees records published after it was created. Once the bus is
closed, subscriptions drain what they already hold and then return ErrClosed.
*/
package bus
