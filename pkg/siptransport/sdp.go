package siptransport

import (
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// mediaDirection направление медиа потока в SDP.
type mediaDirection string

const (
	directionSendRecv mediaDirection = "sendrecv"
	directionSendOnly mediaDirection = "sendonly"
	directionRecvOnly mediaDirection = "recvonly"
	directionInactive mediaDirection = "inactive"
)

// buildSDP строит описание единственного аудио потока PCMU/8000
// с заданным направлением.
func (t *Transport) buildSDP(dir mediaDirection) ([]byte, error) {
	host := t.cfg.MediaAddr
	now := uint64(time.Now().Unix())

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "softphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	mediaDesc := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: t.cfg.MediaPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{"0"},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", "0 PCMU/8000"),
			sdp.NewAttribute("ptime", strconv.Itoa(20)),
			sdp.NewPropertyAttribute(string(dir)),
		},
	}
	desc.MediaDescriptions = []*sdp.MediaDescription{mediaDesc}

	return desc.Marshal()
}

// remoteDirection определяет направление медиа из SDP удаленной
// стороны. Направление ищется сначала в атрибутах аудио потока,
// затем на уровне сессии; по умолчанию sendrecv.
func remoteDirection(body []byte) mediaDirection {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return directionSendRecv
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		if dir, ok := directionFromAttributes(m.Attributes); ok {
			return dir
		}
	}
	if dir, ok := directionFromAttributes(desc.Attributes); ok {
		return dir
	}
	return directionSendRecv
}

func directionFromAttributes(attrs []sdp.Attribute) (mediaDirection, bool) {
	for _, a := range attrs {
		switch mediaDirection(a.Key) {
		case directionSendRecv, directionSendOnly, directionRecvOnly, directionInactive:
			return mediaDirection(a.Key), true
		}
	}
	return "", false
}

// holdsMedia сообщает, означает ли направление удержание потока
// со стороны удаленного абонента.
func (d mediaDirection) holdsMedia() bool {
	return d == directionSendOnly || d == directionInactive
}
