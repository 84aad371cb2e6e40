package uapi

import (
	"encoding/binary"
	"fmt"
)

const (
	probeHeaderLen = 16
	probeOpLen     = 8
)

// ProbeBufferLen is the byte size handed to IORING_REGISTER_PROBE.
const ProbeBufferLen = probeHeaderLen + probeOpLen*256

// UnmarshalProbe decodes the buffer filled by IORING_REGISTER_PROBE.
func UnmarshalProbe(data []byte) (*Probe, error) {
	if len(data) < probeHeaderLen {
		return nil, fmt.Errorf("probe buffer too short: %d bytes", len(data))
	}
	p := &Probe{
		LastOp: data[0],
		OpsLen: data[1],
		Resv:   binary.LittleEndian.Uint16(data[2:4]),
	}
	for i := range p.Resv2 {
		p.Resv2[i] = binary.LittleEndian.Uint32(data[4+4*i:])
	}

	n := int(p.OpsLen)
	if avail := (len(data) - probeHeaderLen) / probeOpLen; n > avail {
		return nil, fmt.Errorf("probe reports %d ops, buffer holds %d", n, avail)
	}
	for i := 0; i < n; i++ {
		b := data[probeHeaderLen+i*probeOpLen:]
		p.Ops[i] = ProbeOp{
			Op:    b[0],
			Resv:  b[1],
			Flags: binary.LittleEndian.Uint16(b[2:4]),
			Resv2: binary.LittleEndian.Uint32(b[4:8]),
		}
	}
	return p, nil
}

// MarshalProbe encodes p in the kernel layout. Used to build probe fixtures.
func MarshalProbe(p *Probe) []byte {
	buf := make([]byte, ProbeBufferLen)
	buf[0] = p.LastOp
	buf[1] = p.OpsLen
	binary.LittleEndian.PutUint16(buf[2:4], p.Resv)
	for i, v := range p.Resv2 {
		binary.LittleEndian.PutUint32(buf[4+4*i:], v)
	}
	for i := 0; i < int(p.OpsLen); i++ {
		b := buf[probeHeaderLen+i*probeOpLen:]
		op := p.Ops[i]
		b[0] = op.Op
		b[1] = op.Resv
		binary.LittleEndian.PutUint16(b[2:4], op.Flags)
		binary.LittleEndian.PutUint32(b[4:8], op.Resv2)
	}
	return buf
}
