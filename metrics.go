// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hilbox

import "expvar"

// metrics record peer and session activity counters.
type metrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int
	sendErr       expvar.Int // number of datagrams the transport failed to send
	callIn        expvar.Int // number of inbound calls received
	callInErr     expvar.Int // number of inbound calls reporting an error
	otaBegin      expvar.Int // number of transfers started
	otaChunks     expvar.Int // number of image chunks accepted
	otaDups       expvar.Int // number of duplicate chunks re-acknowledged
	otaRejected   expvar.Int // number of frames answered with a NAK
	otaCommitted  expvar.Int // number of images committed

	callOut    expvar.Int // number of outbound calls initiated
	callOutErr expvar.Int // number of outbound calls reporting an error
	otaSent    expvar.Int // number of image chunks sent and acknowledged
	otaRetries expvar.Int // number of frames resent after an ack timeout

	emap *expvar.Map
}

var rootMetrics = newMetrics()

func newMetrics() *metrics {
	pm := &metrics{emap: new(expvar.Map)}
	pm.emap.Set("packets_received", &pm.packetRecv)
	pm.emap.Set("packets_sent", &pm.packetSent)
	pm.emap.Set("packets_dropped", &pm.packetDropped)
	pm.emap.Set("send_errors", &pm.sendErr)
	pm.emap.Set("calls_in", &pm.callIn)
	pm.emap.Set("calls_in_failed", &pm.callInErr)
	pm.emap.Set("ota_begin", &pm.otaBegin)
	pm.emap.Set("ota_chunks", &pm.otaChunks)
	pm.emap.Set("ota_duplicates", &pm.otaDups)
	pm.emap.Set("ota_rejected", &pm.otaRejected)
	pm.emap.Set("ota_committed", &pm.otaCommitted)
	pm.emap.Set("calls_out", &pm.callOut)
	pm.emap.Set("calls_out_failed", &pm.callOutErr)
	pm.emap.Set("ota_sent_chunks", &pm.otaSent)
	pm.emap.Set("ota_retries", &pm.otaRetries)
	return pm
}
