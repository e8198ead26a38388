package scan

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func tri(offset float32) ([]float32, []uint32) {
	return []float32{offset, 0, 0, offset + 1, 0, 0, offset, 1, 0}, []uint32{0, 1, 2}
}

func TestMeshUpsertAndCounts(t *testing.T) {
	m := NewMeshAccumulator()

	v, f := tri(0)
	m.UpsertPatch("a", v, nil, f, SurfaceWall)
	st := m.Snapshot()
	if st.PatchCount != 1 || st.VertexCount != 3 || st.FaceCount != 1 {
		t.Fatalf("snapshot = %+v, want 1 patch, 3 vertices, 1 face", st)
	}

	// Re-upserting the same identity replaces, never doubles.
	bigger := append(v, 2, 2, 2, 3, 3, 3) // 5 vertices
	m.UpsertPatch("a", bigger, nil, append(f, 0, 2, 3), SurfaceWall)
	st = m.Snapshot()
	if st.PatchCount != 1 || st.VertexCount != 5 || st.FaceCount != 2 {
		t.Fatalf("snapshot after replace = %+v, want 1/5/2", st)
	}

	v2, f2 := tri(10)
	m.UpsertPatch("b", v2, nil, f2, SurfaceFloor)
	st = m.Snapshot()
	if st.PatchCount != 2 || st.VertexCount != 8 || st.FaceCount != 3 {
		t.Fatalf("snapshot with 2 patches = %+v, want 2/8/3", st)
	}
}

func TestMeshRemove(t *testing.T) {
	m := NewMeshAccumulator()
	v, f := tri(0)
	m.UpsertPatch("a", v, nil, f, SurfaceWall)

	// Removing an unknown identity is a no-op.
	m.RemovePatch("ghost")
	if st := m.Snapshot(); st.PatchCount != 1 {
		t.Fatalf("snapshot = %+v after removing unknown id", st)
	}

	m.RemovePatch("a")
	st := m.Snapshot()
	if st.PatchCount != 0 || st.VertexCount != 0 || st.FaceCount != 0 {
		t.Fatalf("snapshot after remove = %+v, want zeros", st)
	}
}

func TestMeshApplyDispatch(t *testing.T) {
	m := NewMeshAccumulator()
	v, f := tri(0)
	m.Apply(MeshUpdate{Kind: MeshUpsert, PatchID: "a", Vertices: v, Faces: f, Classification: SurfaceTable})
	if p := m.Patch("a"); p == nil || p.Classification != SurfaceTable {
		t.Fatalf("upsert via Apply failed: %+v", p)
	}
	m.Apply(MeshUpdate{Kind: MeshRemove, PatchID: "a"})
	if m.Patch("a") != nil {
		t.Fatal("remove via Apply failed")
	}
}

func TestMeshPatchesDeepCopy(t *testing.T) {
	m := NewMeshAccumulator()
	v, f := tri(0)
	m.UpsertPatch("a", v, nil, f, SurfaceWall)

	patches := m.Patches()
	if len(patches) != 1 {
		t.Fatalf("len = %d, want 1", len(patches))
	}
	patches[0].Vertices[0] = 99

	if got := m.Patch("a").Vertices[0]; got == 99 {
		t.Error("mutating a snapshot leaked into the accumulator")
	}
}

func TestMeshRestore(t *testing.T) {
	m := NewMeshAccumulator()
	v, f := tri(0)
	m.UpsertPatch("old", v, nil, f, SurfaceWall)

	v2, f2 := tri(5)
	restored := []*MeshPatch{
		{ID: "a", Vertices: v, Faces: f, Classification: SurfaceFloor},
		{ID: "b", Vertices: v2, Faces: f2, Classification: SurfaceCeiling},
	}
	m.Restore(restored)

	st := m.Snapshot()
	if st.PatchCount != 2 || st.VertexCount != 6 || st.FaceCount != 2 {
		t.Fatalf("snapshot after restore = %+v, want 2/6/2", st)
	}
	if m.Patch("old") != nil {
		t.Error("restore should drop prior patches")
	}

	got := m.Patch("a")
	want := &MeshPatch{ID: "a", Vertices: v, Faces: f, Classification: SurfaceFloor}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restored patch mismatch (-want +got):\n%s", diff)
	}
}
