// Copyright 2026 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package voicecall

import (
	"errors"
	"slices"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/voicecall/pkg/protocol"
)

const dtmfSDPName = "telephone-event"

var errNoAudio = errors.New("no audio in content description")

// MediaInfo summarizes the negotiated description of a content.
type MediaInfo struct {
	ContentID string
	// Codecs lists rtpmap encodings in offer order, e.g. "PCMU/8000".
	Codecs []string
	DTMF   bool
}

// ParseContent validates a content description. An empty description is
// accepted as is; otherwise it must be an SDP with an audio m-line.
func ParseContent(c protocol.Content) (*MediaInfo, error) {
	info := &MediaInfo{ContentID: c.ID}
	if len(c.Description) == 0 {
		return info, nil
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(c.Description); err != nil {
		return nil, err
	}
	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return nil, errNoAudio
	}
	for _, a := range audio.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		sub := strings.SplitN(a.Value, " ", 2)
		if len(sub) != 2 {
			continue
		}
		if _, err := strconv.Atoi(sub[0]); err != nil {
			continue
		}
		name := sub[1]
		if name == dtmfSDPName || strings.HasPrefix(name, dtmfSDPName+"/") {
			info.DTMF = true
			continue
		}
		info.Codecs = append(info.Codecs, name)
	}
	return info, nil
}

// MediaAdapter attaches each negotiated content of a call to the media
// framework. It is driven from the loop only; failures are reported back
// through onFailure, which must not call into the adapter synchronously.
type MediaAdapter struct {
	log       logger.Logger
	fw        protocol.MediaFramework
	path      string
	onFailure func(contentID string, err error)

	attached map[string]*MediaInfo
	order    []string
}

func NewMediaAdapter(log logger.Logger, fw protocol.MediaFramework, channelPath string, onFailure func(contentID string, err error)) *MediaAdapter {
	if log == nil {
		log = logger.GetLogger()
	}
	return &MediaAdapter{
		log:       log,
		fw:        fw,
		path:      channelPath,
		onFailure: onFailure,
		attached:  make(map[string]*MediaInfo),
	}
}

func (a *MediaAdapter) Attach(c protocol.Content) {
	if _, ok := a.attached[c.ID]; ok {
		return
	}
	info, err := ParseContent(c)
	if err != nil {
		a.log.Warnw("cannot negotiate content", err, "contentID", c.ID)
		a.onFailure(c.ID, err)
		return
	}
	a.attached[c.ID] = info
	a.order = append(a.order, c.ID)
	a.log.Debugw("attaching media", "contentID", c.ID, "codecs", info.Codecs, "dtmf", info.DTMF)
	if a.fw == nil {
		return
	}
	a.fw.CreateChannel(a.path, c).OnFinished(func(err error) {
		if err != nil {
			a.onFailure(c.ID, err)
		}
	})
}

func (a *MediaAdapter) Detach(contentID string) {
	if _, ok := a.attached[contentID]; !ok {
		return
	}
	delete(a.attached, contentID)
	a.order = slices.DeleteFunc(a.order, func(id string) bool { return id == contentID })
	a.log.Debugw("detaching media", "contentID", contentID)
	if a.fw != nil {
		a.fw.RemoveChannel(a.path, contentID)
	}
}

func (a *MediaAdapter) DetachAll() {
	for _, id := range slices.Clone(a.order) {
		a.Detach(id)
	}
}

// Contents returns the attached contents in attach order.
func (a *MediaAdapter) Contents() []*MediaInfo {
	out := make([]*MediaInfo, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.attached[id])
	}
	return out
}
