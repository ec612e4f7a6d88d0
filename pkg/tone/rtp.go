package tone

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pion/rtp"
)

// PayloadTypePCMU статический payload type для G.711 μ-law (RFC 3551).
const PayloadTypePCMU = 0

// Frame один кадр синтезированного тона во всех представлениях:
// линейный PCM, закодированный payload и готовый RTP пакет.
type Frame struct {
	PCM     []int16
	Payload []byte
	Packet  *rtp.Packet
}

// Packetizer упаковывает закодированные кадры тона в RTP пакеты.
// Последовательный номер и timestamp монотонно растут в пределах
// одного потока; SSRC выбирается случайно при создании.
type Packetizer struct {
	payloadType uint8
	ssrc        uint32
	sequence    uint16
	timestamp   uint32
}

// NewPacketizer создает packetizer для одного тонового потока.
func NewPacketizer(payloadType uint8) *Packetizer {
	return &Packetizer{
		payloadType: payloadType,
		ssrc:        randomSSRC(),
	}
}

// Packetize оборачивает payload в RTP пакет. Timestamp увеличивается
// на число сэмплов кадра (для G.711 один байт - один сэмпл).
func (p *Packetizer) Packetize(payload []byte) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequence,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.sequence++
	p.timestamp += uint32(len(payload))
	return pkt
}

// SSRC возвращает SSRC потока.
func (p *Packetizer) SSRC() uint32 {
	return p.ssrc
}

func randomSSRC() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0x5350484E // 'SPHN', детерминированный fallback
	}
	return binary.BigEndian.Uint32(buf[:])
}
