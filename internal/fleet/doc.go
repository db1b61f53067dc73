// Package fleet implements the lab fleet coordination engine.
//
// Devices share the radio medium under a TDMA/FDMA discipline: a
// SlotSchedule answers whether a device may transmit in the current
// time slot, and a ChannelPlan maps each device onto one of a fixed
// set of downlink channels. Commands flow through a durable queue with
// a pending -> sent -> ack lifecycle, driven by the Dispatcher.
// A level-triggered Watchdog marks silent devices offline.
//
// The Manager facade ties these together and is what the API and
// uplink layers call. All durable state lives in the Registry (SQLite
// backed); all outbound traffic goes through the injected Publisher,
// so the engine itself owns no sockets and no timers. Sweep cadence is
// driven externally.
package fleet
