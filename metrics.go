// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dualshock

import "expvar"

// connMetrics record connection activity counters.
type connMetrics struct {
	packetRecv     expvar.Int
	packetSent     expvar.Int
	packetDropped  expvar.Int // responses with no pending receiver
	callIn         expvar.Int // number of inbound invocations received
	callInErr      expvar.Int // number of inbound requests answered with an error
	callInInvalid  expvar.Int // number of inbound requests answered as invalid
	eventIn        expvar.Int // number of inbound events received
	callOut        expvar.Int // number of outbound invocations initiated
	callOutErr     expvar.Int // number of outbound requests reporting an error
	eventOut       expvar.Int // number of outbound events initiated
	callPending    expvar.Int // outbound
	recvMissing    expvar.Int
	frameMalformed expvar.Int

	emap *expvar.Map
}

var connMetricsRoot = newConnMetrics()

func newConnMetrics() *connMetrics {
	cm := &connMetrics{emap: new(expvar.Map)}
	cm.emap.Set("packets_received", &cm.packetRecv)
	cm.emap.Set("packets_sent", &cm.packetSent)
	cm.emap.Set("packets_dropped", &cm.packetDropped)
	cm.emap.Set("calls_in", &cm.callIn)
	cm.emap.Set("calls_in_failed", &cm.callInErr)
	cm.emap.Set("calls_in_invalid", &cm.callInInvalid)
	cm.emap.Set("events_in", &cm.eventIn)
	cm.emap.Set("calls_out", &cm.callOut)
	cm.emap.Set("calls_out_failed", &cm.callOutErr)
	cm.emap.Set("events_out", &cm.eventOut)
	cm.emap.Set("calls_pending", &cm.callPending)
	cm.emap.Set("receivers_missing", &cm.recvMissing)
	cm.emap.Set("frames_malformed", &cm.frameMalformed)
	return cm
}
