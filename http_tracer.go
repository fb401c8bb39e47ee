package main

import (
	"crypto/tls"
	"log/slog"
	"net/http/httptrace"
	"sync"
	"time"
)

// HTTPTracer records connection phase timestamps of a single outgoing request.
type HTTPTracer struct {
	sync.Mutex
	connStartTime         time.Time
	connAcquiredTime      time.Time
	firstResponseByte     time.Time
	dnsStartTime          time.Time
	dnsDoneTime           time.Time
	tlsHandshakeStartTime time.Time
	tlsHandshakeDoneTime  time.Time
	connReused            bool
}

type HTTPTraceTimings struct {
	ConnAcquiredMs      int64 `json:"conn_acquired_ms"`
	FirstResponseByteMs int64 `json:"first_response_byte_ms"`
	DNSLookupMs         int64 `json:"dns_lookup_ms"`
	TLSHandshakeMs      int64 `json:"tls_handshake_ms"`
	ConnReused          bool  `json:"conn_reused"`
}

// LogValue implements slog.LogValuer.
func (t HTTPTraceTimings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("conn_acquired_ms", t.ConnAcquiredMs),
		slog.Int64("first_response_byte_ms", t.FirstResponseByteMs),
		slog.Int64("dns_lookup_ms", t.DNSLookupMs),
		slog.Int64("tls_handshake_ms", t.TLSHandshakeMs),
		slog.Bool("conn_reused", t.ConnReused),
	)
}

func NewHTTPTracer() *HTTPTracer {
	return &HTTPTracer{}
}

func (ht *HTTPTracer) GetClientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(hostPort string) {
			ht.Lock()
			ht.connStartTime = time.Now()
			ht.Unlock()
		},
		GotConn: func(info httptrace.GotConnInfo) {
			ht.Lock()
			ht.connAcquiredTime = time.Now()
			ht.connReused = info.Reused
			ht.Unlock()
		},
		GotFirstResponseByte: func() {
			ht.Lock()
			ht.firstResponseByte = time.Now()
			ht.Unlock()
		},
		DNSStart: func(httptrace.DNSStartInfo) {
			ht.Lock()
			ht.dnsStartTime = time.Now()
			ht.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			ht.Lock()
			ht.dnsDoneTime = time.Now()
			ht.Unlock()
		},
		TLSHandshakeStart: func() {
			ht.Lock()
			ht.tlsHandshakeStartTime = time.Now()
			ht.Unlock()
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			ht.Lock()
			ht.tlsHandshakeDoneTime = time.Now()
			ht.Unlock()
		},
	}
}

func (ht *HTTPTracer) GetTimings() HTTPTraceTimings {
	ht.Lock()
	defer ht.Unlock()

	var timings HTTPTraceTimings

	if !ht.connAcquiredTime.IsZero() && !ht.connStartTime.IsZero() {
		timings.ConnAcquiredMs = ht.connAcquiredTime.Sub(ht.connStartTime).Milliseconds()
	}

	if !ht.firstResponseByte.IsZero() && !ht.connAcquiredTime.IsZero() {
		timings.FirstResponseByteMs = ht.firstResponseByte.Sub(ht.connAcquiredTime).Milliseconds()
	}

	if !ht.dnsDoneTime.IsZero() && !ht.dnsStartTime.IsZero() {
		timings.DNSLookupMs = ht.dnsDoneTime.Sub(ht.dnsStartTime).Milliseconds()
	}

	if !ht.tlsHandshakeDoneTime.IsZero() && !ht.tlsHandshakeStartTime.IsZero() {
		timings.TLSHandshakeMs = ht.tlsHandshakeDoneTime.Sub(ht.tlsHandshakeStartTime).Milliseconds()
	}

	timings.ConnReused = ht.connReused
	return timings
}
