// Package merkle builds power-of-two padded binary sha256 Merkle trees and
// per-leaf inclusion proofs, and verifies those proofs against a root.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Side records which side of a hash pair a sibling occupied when a proof
// step was recorded.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// ProofStep is one sibling hash on the path from a leaf to the root.
type ProofStep struct {
	Hash string
	Side Side
}

// Node is one entry in the tree's flat node list.
type Node struct {
	Index      int
	Hash       string
	Level      int
	Left       int // index of left child, -1 if leaf
	Right      int // index of right child, -1 if leaf
	IsOriginal bool
}

// Tree is the sealed result of building a Merkle tree over a leaf list.
type Tree struct {
	Algorithm     string
	Root          string
	Height        int
	Nodes         []Node
	ProofIndex    map[string]Proof
	OriginalCount int
	PaddedCount   int
}

// Proof is the recorded inclusion proof for one original leaf.
type Proof struct {
	LeafIndex        int
	ProofPath        []string
	SiblingPositions []Side
}

// Build constructs a Tree from an ordered list of hex-encoded leaf hashes.
// leaves must be non-empty.
func Build(leaves []string) (*Tree, error) {
	n := len(leaves)
	if n == 0 {
		return nil, fmt.Errorf("merkle: cannot build a tree with zero leaves")
	}

	m := nextPowerOfTwo(n)
	padded := make([]string, m)
	copy(padded, leaves)

	lastOriginal := leaves[n-1]
	for k := n; k < m; k++ {
		padded[k] = hex.EncodeToString(hashBytes([]byte(fmt.Sprintf("%s-pad-%d", lastOriginal, k))))
	}

	nodes := make([]Node, 0, 2*m)
	levelIndices := make([]int, m)
	for i, h := range padded {
		nodes = append(nodes, Node{
			Index:      i,
			Hash:       h,
			Level:      0,
			Left:       -1,
			Right:      -1,
			IsOriginal: i < n,
		})
		levelIndices[i] = i
	}

	level := 0
	for len(levelIndices) > 1 {
		level++
		next := make([]int, 0, (len(levelIndices)+1)/2)
		for i := 0; i < len(levelIndices); i += 2 {
			li := levelIndices[i]
			ri := levelIndices[i+1]
			l := nodes[li]
			r := nodes[ri]
			parentHash := hex.EncodeToString(hashHex(l.Hash, r.Hash))
			parentIdx := len(nodes)
			nodes = append(nodes, Node{
				Index: parentIdx,
				Hash:  parentHash,
				Level: level,
				Left:  li,
				Right: ri,
			})
			next = append(next, parentIdx)
		}
		levelIndices = next
	}

	root := nodes[len(nodes)-1]

	proofIndex := make(map[string]Proof, n)
	for i := 0; i < n; i++ {
		path, sides := walkProof(nodes, padded, i)
		proofIndex[fmt.Sprintf("tx-%d", i)] = Proof{
			LeafIndex:        i,
			ProofPath:        path,
			SiblingPositions: sides,
		}
	}

	return &Tree{
		Algorithm:     "sha256",
		Root:          root.Hash,
		Height:        level,
		Nodes:         nodes,
		ProofIndex:    proofIndex,
		OriginalCount: n,
		PaddedCount:   m,
	}, nil
}

// walkProof recomputes the sibling path for leaf i without needing the
// full node list's parent-chasing, by replaying the same level-pairing
// Build used: at each level, index//2 ascends and index parity decides the
// sibling side.
func walkProof(nodes []Node, levelZero []string, leafIndex int) ([]string, []Side) {
	hashes := make([]string, len(levelZero))
	copy(hashes, levelZero)

	var path []string
	var sides []Side

	idx := leafIndex
	for len(hashes) > 1 {
		var siblingIdx int
		var side Side
		if idx%2 == 0 {
			siblingIdx = idx + 1
			side = SideRight
		} else {
			siblingIdx = idx - 1
			side = SideLeft
		}
		path = append(path, hashes[siblingIdx])
		sides = append(sides, side)

		next := make([]string, 0, (len(hashes)+1)/2)
		for i := 0; i < len(hashes); i += 2 {
			next = append(next, hex.EncodeToString(hashHex(hashes[i], hashes[i+1])))
		}
		hashes = next
		idx = idx / 2
	}

	return path, sides
}

// Verify recomputes the path from leafHash up to root using proof and
// reports whether it matches.
func Verify(leafHash string, proof Proof, root string) bool {
	current := leafHash
	for i, sibling := range proof.ProofPath {
		switch proof.SiblingPositions[i] {
		case SideLeft:
			current = hex.EncodeToString(hashHex(sibling, current))
		case SideRight:
			current = hex.EncodeToString(hashHex(current, sibling))
		default:
			return false
		}
	}
	return current == root
}

func hashBytes(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func hashHex(left, right string) []byte {
	return hashBytes([]byte(left + right))
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
