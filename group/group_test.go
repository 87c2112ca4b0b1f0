package group_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/molecula/keyshard"
	"github.com/molecula/keyshard/group"
	"github.com/molecula/keyshard/logger"
	"github.com/molecula/keyshard/source"
)

func testSchema() *keyshard.Schema {
	return &keyshard.Schema{
		Table:    "t",
		KeyField: "k",
		Fields: []keyshard.Field{
			{Name: "k", Type: keyshard.FieldTypeString},
			{Name: "n", Type: keyshard.FieldTypeInt},
		},
	}
}

func spill(t *testing.T, lines source.Lines, partitions, workers int) *group.Spill {
	t.Helper()
	p := group.NewPartitioner(t.TempDir(), testSchema(), logger.NewLogfLogger(t))
	p.PartitionN = partitions
	p.NumWorkers = workers
	p.JobSize = 3
	s, err := p.Spill(context.Background(), lines)
	require.NoError(t, err)
	return s
}

func allGroups(t *testing.T, s *group.Spill) map[string][]keyshard.Record {
	t.Helper()
	out := make(map[string][]keyshard.Record)
	for i := 0; i < s.PartitionN; i++ {
		groups, err := s.Groups(context.Background(), i)
		require.NoError(t, err)
		for j, g := range groups {
			if j > 0 {
				require.Less(t, groups[j-1].Key, g.Key, "groups of a partition are sorted")
			}
			_, dup := out[g.Key]
			require.False(t, dup, "key %s grouped twice", g.Key)
			out[g.Key] = g.Records
		}
	}
	return out
}

func TestSpillGroups(t *testing.T) {
	lines := source.Lines{
		`{"k":"a","n":1}`,
		`{"k":"b","n":2}`,
		`{"k":"a","n":3}`,
		`{"k":"c","n":4}`,
		`{"k":"b","n":5}`,
	}
	s := spill(t, lines, 4, 3)
	require.EqualValues(t, 5, s.Read)
	require.EqualValues(t, 0, s.Rejected)
	require.EqualValues(t, 5, s.Accepted())

	groups := allGroups(t, s)
	require.Len(t, groups, 3)
	require.Len(t, groups["a"], 2)
	require.Len(t, groups["b"], 2)
	require.Len(t, groups["c"], 1)

	sum := int64(0)
	for _, r := range groups["a"] {
		require.Equal(t, "a", r[0])
		sum += r[1].(int64)
	}
	require.EqualValues(t, 4, sum)
}

func TestSpillRejects(t *testing.T) {
	lines := source.Lines{
		`{"k":"a","n":1}`,
		`{"k":null,"n":2}`,
		`{"n":3}`,
		`not json`,
		`{"k":"","n":4}`,
		`{"k":"a","n":"oops"}`,
	}
	s := spill(t, lines, 2, 2)
	require.EqualValues(t, 6, s.Read)
	require.EqualValues(t, 4, s.Rejected)

	groups := allGroups(t, s)
	require.Len(t, groups, 1)
	require.Len(t, groups["a"], 2)
	// A non-key value that doesn't fit its field is kept as null.
	var nulls int
	for _, r := range groups["a"] {
		if r[1] == nil {
			nulls++
		}
	}
	require.Equal(t, 1, nulls)
}

// Records of one key arriving from many batches and workers still end up
// in exactly one partition.
func TestSpillManyKeys(t *testing.T) {
	var lines source.Lines
	for i := 0; i < 1000; i++ {
		lines = append(lines, fmt.Sprintf(`{"k":"user%03d","n":%d}`, i%97, i))
	}
	s := spill(t, lines, 16, 8)

	var total uint64
	for i := 0; i < s.PartitionN; i++ {
		counts, err := s.KeyCounts(context.Background(), i)
		require.NoError(t, err)
		var n uint64
		for key, c := range counts {
			require.Equal(t, i, group.PartitionOf(key, s.PartitionN))
			n += c
		}
		require.Equal(t, s.Counts[i], n)
		total += n
	}
	require.EqualValues(t, 1000, total)

	groups := allGroups(t, s)
	require.Len(t, groups, 97)
	for key, recs := range groups {
		// 1000 = 97*10 + 30, so the first 30 keys get one extra record.
		exp := 10
		if key < "user030" {
			exp = 11
		}
		require.Len(t, recs, exp, key)
	}

	require.NoError(t, s.Remove())
	_, err := s.Groups(context.Background(), 0)
	require.Error(t, err)
}

func TestSpillBadConfig(t *testing.T) {
	p := group.NewPartitioner(t.TempDir(), testSchema(), nil)
	p.PartitionN = 0
	_, err := p.Spill(context.Background(), source.Lines{`{"k":"a"}`})
	require.Error(t, err)

	bad := testSchema()
	bad.KeyField = "missing"
	p = group.NewPartitioner(t.TempDir(), bad, nil)
	_, err = p.Spill(context.Background(), source.Lines{`{"k":"a"}`})
	require.Error(t, err)
}

func TestSpillCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := group.NewPartitioner(t.TempDir(), testSchema(), nil)
	var lines source.Lines
	for i := 0; i < 100; i++ {
		lines = append(lines, `{"k":"a"}`)
	}
	_, err := p.Spill(ctx, lines)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSpillLongLine(t *testing.T) {
	input := strings.Join([]string{
		`{"k":"a","n":1}`,
		`{"k":"` + strings.Repeat("x", 200) + `","n":2}`,
		`{"k":"b","n":3}`,
		`{"k":"a","n":4}`,
	}, "\n")
	p := group.NewPartitioner(t.TempDir(), testSchema(), logger.NewLogfLogger(t))
	p.PartitionN = 2
	s, err := p.Spill(context.Background(), &source.Reader{Name: "mem", R: strings.NewReader(input), MaxLineSize: 64})
	require.NoError(t, err)
	require.EqualValues(t, 4, s.Read)
	require.EqualValues(t, 1, s.Rejected)

	groups := allGroups(t, s)
	require.Len(t, groups, 2)
	require.Len(t, groups["a"], 2)
	require.Len(t, groups["b"], 1)
}

// endlessLines sends the same record until its context is done.
type endlessLines struct {
	line string
}

func (e endlessLines) Batches(ctx context.Context, size int, out chan<- source.Batch) error {
	for n := 1; ; n++ {
		b := make(source.Batch, size)
		for i := range b {
			b[i] = source.Line{File: "endless", N: n, Data: []byte(e.line)}
		}
		select {
		case out <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// A spill file that can't be written stops the reader too, instead of
// reading the rest of the input.
func TestSpillWriteError(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("needs /dev/full")
	}
	dir := t.TempDir()
	require.NoError(t, os.Symlink("/dev/full", filepath.Join(dir, "partition_0000.ndjson")))

	p := group.NewPartitioner(dir, testSchema(), nil)
	p.PartitionN = 1
	p.NumWorkers = 2
	p.JobSize = 100

	errc := make(chan error, 1)
	go func() {
		_, err := p.Spill(context.Background(), endlessLines{line: `{"k":"a","n":1}`})
		errc <- err
	}()
	select {
	case err := <-errc:
		require.Error(t, err)
		require.Contains(t, err.Error(), "writing spill file")
	case <-time.After(10 * time.Second):
		t.Fatal("spill kept reading after a write error")
	}
}
