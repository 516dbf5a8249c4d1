package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
)

func leafHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestBuild_SingleLeaf(t *testing.T) {
	leaves := []string{leafHash("a")}
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tree.Root != leaves[0] {
		t.Errorf("single-leaf root should equal the leaf, got %s", tree.Root)
	}
	proof := tree.ProofIndex["tx-0"]
	if len(proof.ProofPath) != 0 {
		t.Errorf("single-leaf proof should be empty, got %d steps", len(proof.ProofPath))
	}
}

func TestBuild_SoundnessAllLeaves(t *testing.T) {
	leaves := make([]string, 5)
	for i := range leaves {
		leaves[i] = leafHash(string(rune('a' + i)))
	}

	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for i, leaf := range leaves {
		proof, ok := tree.ProofIndex[proofKey(i)]
		if !ok {
			t.Fatalf("missing proof for leaf %d", i)
		}
		if !Verify(leaf, proof, tree.Root) {
			t.Errorf("leaf %d failed to verify against root", i)
		}
	}
}

func TestBuild_PaddingInvariance(t *testing.T) {
	leaves := []string{leafHash("a"), leafHash("b"), leafHash("c")}
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if tree.PaddedCount != 4 {
		t.Errorf("got padded count %d, want 4", tree.PaddedCount)
	}
	if len(tree.ProofIndex) != tree.OriginalCount {
		t.Errorf("proof index has %d entries, want %d (original count)", len(tree.ProofIndex), tree.OriginalCount)
	}
}

func TestVerify_TamperedLeafFails(t *testing.T) {
	leaves := []string{leafHash("a"), leafHash("b"), leafHash("c"), leafHash("d")}
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	proof := tree.ProofIndex["tx-0"]
	tamperedLeaf := leafHash("a-tampered")

	if Verify(tamperedLeaf, proof, tree.Root) {
		t.Errorf("tampered leaf unexpectedly verified")
	}
}

func TestVerify_TamperedProofStepFails(t *testing.T) {
	leaves := []string{leafHash("a"), leafHash("b"), leafHash("c"), leafHash("d")}
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	proof := tree.ProofIndex["tx-0"]
	tamperedPath := append([]string(nil), proof.ProofPath...)
	tamperedPath[0] = leafHash("not-the-real-sibling")
	tamperedProof := Proof{LeafIndex: proof.LeafIndex, ProofPath: tamperedPath, SiblingPositions: proof.SiblingPositions}

	if Verify(leaves[0], tamperedProof, tree.Root) {
		t.Errorf("tampered proof path unexpectedly verified")
	}
}

func TestBuild_EmptyLeavesRejected(t *testing.T) {
	if _, err := Build(nil); err == nil {
		t.Errorf("expected an error building a tree with zero leaves")
	}
}

func proofKey(i int) string {
	return fmt.Sprintf("tx-%d", i)
}
