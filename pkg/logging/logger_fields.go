package logging

import (
	"time"
)

func String(key, value string) Field             { return Field{Key: key, Value: value} }
func Int(key string, value int) Field            { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field        { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field      { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field          { return Field{Key: key, Value: value} }
func Any(key string, value any) Field            { return Field{Key: key, Value: value} }
func Duration(key string, d time.Duration) Field { return Field{Key: key, Value: d.String()} }

// Error records err under "error". A nil error is logged as null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Domain fields.

func Component(name string) Field { return String("component", name) }
func Operation(op string) Field   { return String("operation", op) }
func Node(id string) Field        { return String("node", id) }
func Peer(addr string) Field      { return String("peer", addr) }
func Addr(addr string) Field      { return String("addr", addr) }
func Master(name string) Field    { return String("master", name) }
func Epoch(e uint64) Field        { return Uint64("epoch", e) }
func Offset(o uint64) Field       { return Uint64("offset", o) }
func RunID(id string) Field       { return String("run_id", id) }
func Latency(d time.Duration) Field {
	return Duration("latency", d)
}
