package drm

import (
	"fmt"

	"go.uber.org/zap"
)

type ScanResult struct {
	Added   []ConnectorInfo
	Removed []ConnectorInfo
}

func (r ScanResult) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0
}

type transition int

const (
	transitionNone transition = iota
	transitionAdded
	transitionRemoved
)

// classify decides what a fresh observation means relative to the cached
// one. Unknown never produces a removal and only a move to Connected counts
// as an arrival.
func classify(prev ConnectorState, seen bool, now ConnectorState) transition {
	switch {
	case !seen:
		if now == StateConnected {
			return transitionAdded
		}
	case prev == StateConnected && now == StateDisconnected:
		return transitionRemoved
	case prev != StateConnected && now == StateConnected:
		return transitionAdded
	}
	return transitionNone
}

// Scanner diffs connector state between passes.
type Scanner struct {
	cache map[ConnectorHandle]ConnectorInfo
	order []ConnectorHandle
	log   *zap.SugaredLogger
}

func NewScanner(log *zap.SugaredLogger) *Scanner {
	return &Scanner{
		cache: make(map[ConnectorHandle]ConnectorInfo),
		log:   log,
	}
}

// Scan probes every connector of card. Failing to enumerate the resources
// fails the whole pass and leaves the cache untouched; a connector that
// cannot be probed keeps its previous observation.
func (s *Scanner) Scan(card Card) (ScanResult, error) {
	res, err := card.Resources()
	if err != nil {
		return ScanResult{}, fmt.Errorf("scan: %w", err)
	}

	var result ScanResult
	order := make([]ConnectorHandle, 0, len(res.Connectors))
	for _, h := range res.Connectors {
		info, err := card.Connector(h)
		if err != nil {
			s.log.Warnw("connector probe failed", "connector", h, "error", err)
			if _, ok := s.cache[h]; ok {
				order = append(order, h)
			}
			continue
		}
		order = append(order, h)

		prev, seen := s.cache[h]
		switch classify(prev.State, seen, info.State) {
		case transitionAdded:
			s.log.Infow("connector connected", "connector", info.Name(), "handle", h)
			result.Added = append(result.Added, *info)
		case transitionRemoved:
			s.log.Infow("connector disconnected", "connector", info.Name(), "handle", h)
			result.Removed = append(result.Removed, *info)
		default:
			if seen && prev.State != info.State {
				s.log.Debugw("ignoring connector transition", "connector", info.Name(),
					"from", prev.State, "to", info.State)
			}
		}
		s.cache[h] = *info
	}
	s.order = order
	return result, nil
}

// Connectors returns the latest observation of every connector in scan order.
func (s *Scanner) Connectors() []ConnectorInfo {
	out := make([]ConnectorInfo, 0, len(s.order))
	for _, h := range s.order {
		out = append(out, s.cache[h])
	}
	return out
}

func (s *Scanner) Connector(h ConnectorHandle) (ConnectorInfo, bool) {
	info, ok := s.cache[h]
	return info, ok
}
