package ot

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-collab/internal/models"
)

func ins(author string, pos int, content string) models.Operation {
	return models.Operation{Kind: models.OpInsert, Position: pos, Content: content, AuthorUserID: author}
}

func del(author string, pos, length int) models.Operation {
	return models.Operation{Kind: models.OpDelete, Position: pos, Length: length, AuthorUserID: author}
}

func applyAll(t *testing.T, doc *Document, ops []models.Operation) {
	t.Helper()
	for _, op := range ops {
		require.NoError(t, doc.Apply(op))
	}
}

// both orders of acceptance must produce the same text
func converge(t *testing.T, base string, a, b models.Operation) (string, string) {
	t.Helper()

	first := NewDocument(base)
	applyAll(t, first, []models.Operation{a})
	applyAll(t, first, Transform(b, a))

	second := NewDocument(base)
	applyAll(t, second, []models.Operation{b})
	applyAll(t, second, Transform(a, b))

	return first.String(), second.String()
}

func TestTransformInsertInsert(t *testing.T) {
	tests := []struct {
		name  string
		op    models.Operation
		prior models.Operation
		want  int
	}{
		{"prior before", ins("bob", 5, "x"), ins("alice", 2, "abc"), 8},
		{"prior after", ins("bob", 1, "x"), ins("alice", 2, "abc"), 1},
		{"same position, prior author earlier", ins("bob", 3, "x"), ins("alice", 3, "ab"), 5},
		{"same position, prior author later", ins("alice", 3, "x"), ins("bob", 3, "ab"), 3},
		{"multibyte content counts code points", ins("bob", 4, "x"), ins("alice", 0, "héé"), 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Transform(tt.op, tt.prior)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Position)
		})
	}
}

func TestTransformDeleteAgainstInsert(t *testing.T) {
	t.Run("insert before range shifts", func(t *testing.T) {
		got := Transform(del("bob", 4, 2), ins("alice", 1, "xyz"))
		require.Len(t, got, 1)
		assert.Equal(t, 7, got[0].Position)
		assert.Equal(t, 2, got[0].Length)
	})

	t.Run("insert at range start shifts", func(t *testing.T) {
		got := Transform(del("bob", 4, 2), ins("alice", 4, "xyz"))
		require.Len(t, got, 1)
		assert.Equal(t, 7, got[0].Position)
	})

	t.Run("insert at range end leaves it", func(t *testing.T) {
		got := Transform(del("bob", 4, 2), ins("alice", 6, "xyz"))
		require.Len(t, got, 1)
		assert.Equal(t, 4, got[0].Position)
		assert.Equal(t, 2, got[0].Length)
	})

	t.Run("insert inside range splits", func(t *testing.T) {
		op := del("bob", 1, 4)
		op.ID = "op-1"
		got := Transform(op, ins("alice", 3, "XY"))
		require.Len(t, got, 2)

		doc := NewDocument("abcdef")
		applyAll(t, doc, []models.Operation{ins("alice", 3, "XY")})
		applyAll(t, doc, got)
		assert.Equal(t, "aXYf", doc.String())
		assert.Equal(t, "op-1.1", got[0].ID)
		assert.Equal(t, "op-1", got[1].ID)
	})
}

func TestTransformInsertAgainstDelete(t *testing.T) {
	assert.Equal(t, 1, Transform(ins("bob", 1, "x"), del("alice", 2, 3))[0].Position)
	assert.Equal(t, 2, Transform(ins("bob", 3, "x"), del("alice", 2, 3))[0].Position)
	assert.Equal(t, 3, Transform(ins("bob", 6, "x"), del("alice", 2, 3))[0].Position)
}

func TestTransformDeleteDelete(t *testing.T) {
	t.Run("disjoint before", func(t *testing.T) {
		got := Transform(del("bob", 0, 2), del("alice", 4, 2))
		require.Len(t, got, 1)
		assert.Equal(t, models.Operation{Kind: models.OpDelete, Position: 0, Length: 2, AuthorUserID: "bob"}, got[0])
	})

	t.Run("disjoint after", func(t *testing.T) {
		got := Transform(del("bob", 6, 2), del("alice", 1, 3))
		require.Len(t, got, 1)
		assert.Equal(t, 3, got[0].Position)
	})

	t.Run("overlap", func(t *testing.T) {
		a, b := converge(t, "abcdef", del("alice", 1, 3), del("bob", 2, 3))
		assert.Equal(t, "af", a)
		assert.Equal(t, a, b)
	})

	t.Run("fully covered becomes no-op", func(t *testing.T) {
		assert.Empty(t, Transform(del("bob", 2, 2), del("alice", 1, 4)))
	})
}

func TestTransformPassesThroughNonTextKinds(t *testing.T) {
	format := models.Operation{Kind: models.OpFormat, Position: 3, Length: 2, AuthorUserID: "bob"}
	got := Transform(format, ins("alice", 0, "xyz"))
	require.Len(t, got, 1)
	assert.Equal(t, format, got[0])

	got = Transform(ins("bob", 2, "q"), models.Operation{Kind: models.OpCursor, Position: 0, AuthorUserID: "alice"})
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Position)
}

func TestRebaseStopsWhenConsumed(t *testing.T) {
	got, _ := Rebase([]models.Operation{del("bob", 1, 2)}, []models.Operation{del("alice", 0, 5), ins("carol", 0, "abc")})
	assert.Empty(t, got)
}

// convergeSequences applies a then b, and b then a, each rebased over the other.
func convergeSequences(t *testing.T, base string, a, b []models.Operation) (string, string) {
	t.Helper()
	aAfterB, bAfterA := Rebase(a, b)

	first := NewDocument(base)
	applyAll(t, first, a)
	applyAll(t, first, bAfterA)

	second := NewDocument(base)
	applyAll(t, second, b)
	applyAll(t, second, aAfterB)

	return first.String(), second.String()
}

func TestRebaseSequences(t *testing.T) {
	tests := []struct {
		name string
		base string
		a    []models.Operation
		b    []models.Operation
		want string
	}{
		{
			name: "insert then delete over it against a tail delete",
			base: "0123456789",
			a:    []models.Operation{ins("alice", 7, "n"), del("alice", 2, 7)},
			b:    []models.Operation{del("bob", 5, 5)},
			want: "01",
		},
		{
			name: "two inserts against a prefix delete",
			base: "hello world",
			a:    []models.Operation{ins("bob", 5, ","), ins("bob", 12, "!")},
			b:    []models.Operation{del("alice", 0, 6)},
			want: ",world!",
		},
		{
			name: "both sides typing at the same spot",
			base: "ab",
			a:    []models.Operation{ins("alice", 1, "x"), ins("alice", 2, "y")},
			b:    []models.Operation{ins("bob", 1, "p"), ins("bob", 2, "q")},
			want: "axypqb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, second := convergeSequences(t, tt.base, tt.a, tt.b)
			assert.Equal(t, tt.want, first)
			assert.Equal(t, tt.want, second)
		})
	}
}

func TestBoundaryScenarioConverges(t *testing.T) {
	// A and B both saw "hello"; A's id sorts first so " world" goes left of "!".
	a := ins("user-a", 5, " world")
	b := ins("user-b", 5, "!")

	first, second := converge(t, "hello", a, b)
	assert.Equal(t, "hello world!", first)
	assert.Equal(t, "hello world!", second)
}

func randomOp(r *rand.Rand, author string, n int) models.Operation {
	if n == 0 || r.Intn(2) == 0 {
		letters := []rune("abcdefghijé漢")
		size := 1 + r.Intn(4)
		content := make([]rune, size)
		for i := range content {
			content[i] = letters[r.Intn(len(letters))]
		}
		return ins(author, r.Intn(n+1), string(content))
	}
	pos := r.Intn(n)
	return del(author, pos, 1+r.Intn(n-pos))
}

func TestConvergenceProperty(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		base := []rune("the quick brown fox")[:r.Intn(20)]
		a := randomOp(r, "alice", len(base))
		b := randomOp(r, "bob", len(base))

		first, second := converge(t, string(base), a, b)
		if first != second {
			t.Fatalf("diverged on %q with a=%+v b=%+v: %q vs %q", string(base), a, b, first, second)
		}
	}
}

// randomBatch builds ops that each apply to the text left by the previous one.
func randomBatch(r *rand.Rand, author string, n int) []models.Operation {
	ops := make([]models.Operation, 1+r.Intn(3))
	for i := range ops {
		ops[i] = randomOp(r, author, n)
		if ops[i].Kind == models.OpInsert {
			n += ops[i].Span()
		} else {
			n -= ops[i].Length
		}
	}
	return ops
}

func TestSequenceConvergenceProperty(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 3000; i++ {
		base := []rune("0123456789abcdef")[:r.Intn(17)]
		a := randomBatch(r, "alice", len(base))
		b := randomBatch(r, "bob", len(base))

		first, second := convergeSequences(t, string(base), a, b)
		if first != second {
			t.Fatalf("diverged on %q with a=%+v b=%+v: %q vs %q", string(base), a, b, first, second)
		}
	}
}
