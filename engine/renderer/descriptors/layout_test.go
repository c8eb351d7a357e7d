package descriptors_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/descache/engine/renderer/descriptors"
	"github.com/spaghettifunk/descache/engine/renderer/headless"
)

func TestLayoutInternerIgnoresResources(t *testing.T) {
	dev := headless.NewDevice()
	li := descriptors.NewLayoutInterner(dev, nil)

	a, err := li.GetOrCreate([]descriptors.Binding{ubo(0, 0, 1), texture(0, 1, 10, 11)})
	if err != nil {
		t.Fatal(err)
	}
	b, err := li.GetOrCreate([]descriptors.Binding{ubo(0, 0, 2), texture(0, 1, 20, 21)})
	if err != nil {
		t.Fatal(err)
	}

	if a != b {
		t.Fatal("same shape with different resources produced two layouts")
	}
	if li.Len() != 1 {
		t.Errorf("Len() = %d, want 1", li.Len())
	}
	if got := dev.Stats().LayoutsCreated; got != 1 {
		t.Errorf("native layouts created = %d, want 1", got)
	}
	if _, ok := a.Handle(); !ok {
		t.Error("layout returned without a native handle")
	}
}

func TestLayoutInternerDistinguishesShapes(t *testing.T) {
	base := ubo(0, 0, 1)

	otherStage := base
	otherStage.Stages = descriptors.ShaderStageFragment

	otherSlot := base
	otherSlot.Slot = 1

	otherKind := base
	otherKind.Kind = descriptors.DescriptorKindStorageBuffer

	otherCount := ubo(0, 0, 1, 2)

	dev := headless.NewDevice()
	li := descriptors.NewLayoutInterner(dev, nil)

	seen := make(map[*descriptors.Layout]string)
	for name, b := range map[string]descriptors.Binding{
		"base":  base,
		"stage": otherStage,
		"slot":  otherSlot,
		"kind":  otherKind,
		"count": otherCount,
	} {
		l, err := li.GetOrCreate([]descriptors.Binding{b})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if prev, ok := seen[l]; ok {
			t.Errorf("%s shares a layout with %s", name, prev)
		}
		seen[l] = name
	}
	if li.Len() != 5 {
		t.Errorf("Len() = %d, want 5", li.Len())
	}
}

func TestLayoutRequirements(t *testing.T) {
	li := descriptors.NewLayoutInterner(headless.NewDevice(), nil)

	l, err := li.GetOrCreate([]descriptors.Binding{
		ubo(0, 0, 1, 2),
		texture(0, 1, 10, 11),
		ubo(0, 4, 3),
	})
	if err != nil {
		t.Fatal(err)
	}

	req := l.Requirements()
	if req[descriptors.DescriptorKindUniformBuffer] != 3 {
		t.Errorf("uniform buffers = %d, want 3", req[descriptors.DescriptorKindUniformBuffer])
	}
	if req[descriptors.DescriptorKindCombinedImageSampler] != 1 {
		t.Errorf("combined image samplers = %d, want 1", req[descriptors.DescriptorKindCombinedImageSampler])
	}

	bindings := l.Bindings()
	if len(bindings) != 3 || bindings[2].Slot != 4 || bindings[0].Count != 2 {
		t.Errorf("unexpected layout bindings %+v", bindings)
	}
}

func TestLayoutInternerRejectsBadShapes(t *testing.T) {
	unknownKind := ubo(0, 0, 1)
	unknownKind.Kind = descriptors.DescriptorKind(42)

	noDescriptors := descriptors.NewBinding(0, 0, descriptors.DescriptorKindUniformBuffer, descriptors.ShaderStageVertex)

	cases := []struct {
		name     string
		bindings []descriptors.Binding
	}{
		{"empty", nil},
		{"unsorted", []descriptors.Binding{ubo(0, 2, 1), ubo(0, 1, 2)}},
		{"duplicate slot", []descriptors.Binding{ubo(0, 1, 1), ubo(0, 1, 2)}},
		{"mixed set ids", []descriptors.Binding{ubo(0, 0, 1), ubo(1, 1, 2)}},
		{"unknown kind", []descriptors.Binding{unknownKind}},
		{"no descriptors", []descriptors.Binding{noDescriptors}},
	}

	dev := headless.NewDevice()
	li := descriptors.NewLayoutInterner(dev, nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := li.GetOrCreate(tc.bindings)
			if !errors.Is(err, descriptors.ErrContractViolation) {
				t.Fatalf("err = %v, want a contract violation", err)
			}
		})
	}
	if li.Len() != 0 || dev.Stats().LayoutsCreated != 0 {
		t.Errorf("rejected shapes left %d layouts (%d native)", li.Len(), dev.Stats().LayoutsCreated)
	}
}
