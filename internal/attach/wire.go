package attach

import (
	"bytes"
	"encoding/json"
	"fmt"

	"nodefleet/internal/node"
	"nodefleet/internal/packages"

	"github.com/containerd/errdefs"
)

type wireStep struct {
	Variant   string     `json:"variant"`
	Include   []string   `json:"include,omitempty"`
	Files     []string   `json:"files,omitempty"`
	Into      string     `json:"into,omitempty"`
	Libraries []string   `json:"libraries,omitempty"`
	Steps     []wireStep `json:"steps,omitempty"`
}

type wireAttachment struct {
	ID           ID                   `json:"id"`
	Source       packages.KeyEnvelope `json:"source"`
	Target       string               `json:"target,omitempty"`
	Step         wireStep             `json:"step"`
	Dependencies []wireAttachment     `json:"dependencies,omitempty"`
}

func (a *Attachment) MarshalJSON() ([]byte, error) {
	w, err := toWire(a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func toWire(a *Attachment) (wireAttachment, error) {
	src, err := packages.EncodeKey(a.source)
	if err != nil {
		return wireAttachment{}, err
	}
	step, err := stepToWire(a.step)
	if err != nil {
		return wireAttachment{}, fmt.Errorf("encode attachment %s: %w", a.id, err)
	}
	w := wireAttachment{ID: a.id, Source: src, Step: step}
	if a.target == TargetHost {
		w.Target = TargetHost.String()
	}
	for _, d := range a.deps {
		dw, err := toWire(d)
		if err != nil {
			return wireAttachment{}, err
		}
		w.Dependencies = append(w.Dependencies, dw)
	}
	return w, nil
}

func stepToWire(s Step) (wireStep, error) {
	switch s := s.(type) {
	case CopyFiles:
		return wireStep{Variant: variantCopy, Include: s.Include, Into: s.Into}, nil
	case LinkFiles:
		return wireStep{Variant: variantLink, Include: s.Include, Files: s.Files, Into: s.Into}, nil
	case LoadLibraries:
		return wireStep{Variant: variantLoad, Libraries: s.Libraries}, nil
	case Sequence:
		w := wireStep{Variant: variantSequence}
		for _, child := range s {
			cw, err := stepToWire(child)
			if err != nil {
				return wireStep{}, err
			}
			w.Steps = append(w.Steps, cw)
		}
		return w, nil
	default:
		return wireStep{}, fmt.Errorf("step %T has no wire form: %w", s, errdefs.ErrNotImplemented)
	}
}

func stepFromWire(w wireStep) (Step, error) {
	switch w.Variant {
	case variantCopy:
		return CopyFiles{Include: w.Include, Into: w.Into}, nil
	case variantLink:
		return LinkFiles{Include: w.Include, Files: w.Files, Into: w.Into}, nil
	case variantLoad:
		return LoadLibraries{Libraries: w.Libraries}, nil
	case variantSequence:
		seq := make(Sequence, 0, len(w.Steps))
		for _, cw := range w.Steps {
			child, err := stepFromWire(cw)
			if err != nil {
				return nil, err
			}
			seq = append(seq, child)
		}
		return seq, nil
	default:
		return nil, fmt.Errorf("unknown step variant %q: %w", w.Variant, errdefs.ErrInvalidArgument)
	}
}

// Decoder rebuilds attachments from their wire form. Attachments sharing an
// ID decode to the same instance for the lifetime of the decoder. A Decoder is
// not safe for concurrent use.
type Decoder struct {
	byID     map[ID]*Attachment
	content  map[ID][]byte
	decoding map[ID]struct{}
}

func NewDecoder() *Decoder {
	return &Decoder{
		byID:     make(map[ID]*Attachment),
		content:  make(map[ID][]byte),
		decoding: make(map[ID]struct{}),
	}
}

func (d *Decoder) Decode(data json.RawMessage) (*Attachment, error) {
	var w wireAttachment
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode attachment: %w", err)
	}
	return d.fromWire(w)
}

func (d *Decoder) fromWire(w wireAttachment) (*Attachment, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("decode attachment: id is required: %w", errdefs.ErrInvalidArgument)
	}
	if _, ok := d.decoding[w.ID]; ok {
		return nil, fmt.Errorf("decode attachment %s: dependency cycle: %w", w.ID, errdefs.ErrInvalidArgument)
	}
	content, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", w.ID, err)
	}
	if a, ok := d.byID[w.ID]; ok {
		if !bytes.Equal(d.content[w.ID], content) {
			return nil, fmt.Errorf("decode attachment %s: id reused for different content: %w", w.ID, errdefs.ErrInvalidArgument)
		}
		return a, nil
	}
	d.decoding[w.ID] = struct{}{}
	defer delete(d.decoding, w.ID)

	src, err := packages.DecodeKey(w.Source)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", w.ID, err)
	}
	step, err := stepFromWire(w.Step)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", w.ID, err)
	}
	deps := make([]*Attachment, 0, len(w.Dependencies))
	for _, dw := range w.Dependencies {
		dep, err := d.fromWire(dw)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	opts := []Option{WithID(w.ID), DependsOn(deps...)}
	switch w.Target {
	case "", TargetNode.String():
	case TargetHost.String():
		opts = append(opts, OnHost())
	default:
		return nil, fmt.Errorf("decode attachment %s: unknown target %q: %w", w.ID, w.Target, errdefs.ErrInvalidArgument)
	}
	a, err := New(src, step, opts...)
	if err != nil {
		return nil, err
	}
	d.byID[w.ID] = a
	d.content[w.ID] = content
	return a, nil
}

// Register teaches codec to decode attachments. Dependencies shared inside
// one envelope decode to one instance; across envelopes Flatten collapses
// them by ID.
func Register(codec *node.Codec) error {
	return codec.Register(ComponentType, func(data json.RawMessage) (node.Shared, error) {
		return NewDecoder().Decode(data)
	})
}
