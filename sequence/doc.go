// Package sequence provides fixed-capacity sliding windows over 64-bit
// sequence numbers.
//
// [Buffer] records which of the last W sequence numbers have been seen. It
// rejects duplicates and packets older than the window, which makes it the
// replay filter for every authenticated packet, and it produces the ack
// number and bitmask piggy-backed on outgoing payloads.
//
// [Ring] stores one value per sequence number inside a window of the same
// shape. Connections use it to remember what each sent packet carried, and
// reliable channels use it for unacknowledged and out-of-order messages.
//
// Both types bound memory by construction and are not safe for concurrent use.
package sequence
