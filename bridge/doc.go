/*
Package bridge exposes a worker's event stream and command input to any number of WebSocket clients.

Every accepted connection gets its own bus.Subscription and runs two pumps concurrently:

 1. events: each record received from the subscription is written to the client as a text message.
 2. commands: each text message read from the client is handed to the worker's input. Other message types are ignored.

Connections are bidirectional, so when either pump ends, the other is cancelled and the
connection is torn down. A subscriber that falls behind silently misses events; lagging is
never fatal to the connection. When the worker's output ends, connections stay open and
keep forwarding commands, but no new events arrive.

The bridge serves WebSocket upgrades on "/" and "/ws", and a JSON status document on "/heartbeat".
There is no authentication; bind it to a loopback address.
*/
package bridge
