package core

import (
	"sort"

	"riptide/internal/torrent"
)

// Selector decides which piece to download next: rarest-first across
// the connected swarm, lowest index on ties so selection is
// deterministic. Once few enough pieces remain outstanding it flips to
// endgame mode, where the same block may be requested from several
// peers at once.
type Selector struct {
	endgameThreshold int
}

func NewSelector(endgameThreshold int) *Selector {
	if endgameThreshold < 1 {
		endgameThreshold = 1
	}
	return &Selector{endgameThreshold: endgameThreshold}
}

type pieceRarity struct {
	index  int
	rarity int
}

// RankPieces orders the pieces the session still needs (absent and not
// already being fetched) from rarest to most common, dropping pieces no
// connected peer offers. peersHave is the advertised bitmap of every
// connected peer.
func (s *Selector) RankPieces(have torrent.Bitfield, active map[int]bool, numPieces int, peersHave []torrent.Bitfield) []int {
	ranked := make([]pieceRarity, 0, numPieces)
	for index := 0; index < numPieces; index++ {
		if have.HasPiece(index) || active[index] {
			continue
		}
		rarity := 0
		for _, bf := range peersHave {
			if bf.HasPiece(index) {
				rarity++
			}
		}
		if rarity == 0 {
			continue
		}
		ranked = append(ranked, pieceRarity{index: index, rarity: rarity})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].rarity != ranked[j].rarity {
			return ranked[i].rarity < ranked[j].rarity
		}
		return ranked[i].index < ranked[j].index
	})

	out := make([]int, len(ranked))
	for i, pr := range ranked {
		out[i] = pr.index
	}
	return out
}

// NextPiece picks the rarest wanted piece, if any peer can serve one.
func (s *Selector) NextPiece(have torrent.Bitfield, active map[int]bool, numPieces int, peersHave []torrent.Bitfield) (int, bool) {
	ranked := s.RankPieces(have, active, numPieces, peersHave)
	if len(ranked) == 0 {
		return 0, false
	}
	return ranked[0], true
}

// Endgame reports whether few enough pieces remain that duplicate
// in-flight requests are worth the wasted bandwidth.
func (s *Selector) Endgame(remaining int) bool {
	return remaining > 0 && remaining <= s.endgameThreshold
}
