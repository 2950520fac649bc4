package engine

import (
	"errors"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/go-quicktest/qt"
)

func TestResumeRoundTrip(t *testing.T) {
	bm := roaring.BitmapOf(0, 1, 2, 7, 9)
	b, err := MarshalResume(bm)
	qt.Assert(t, qt.IsNil(err))
	got, err := UnmarshalResume(b, 8)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(got.ToArray(), []uint32{0, 1, 2, 7}))
}

func TestResumeEmpty(t *testing.T) {
	got, err := UnmarshalResume(nil, 8)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(got.IsEmpty()))
	_, err = UnmarshalResume([]byte("garbage"), 8)
	qt.Assert(t, qt.IsNotNil(err))
}

func TestObservers(t *testing.T) {
	var got []EventKind
	o := Observers{
		ObserverFunc(func(e Event) { got = append(got, e.Kind) }),
		ObserverFunc(func(e Event) { got = append(got, e.Kind+100) }),
	}
	o.OnEvent(Event{Kind: PeersFound})
	qt.Assert(t, qt.DeepEquals(got, []EventKind{PeersFound, PeersFound + 100}))
}

func TestEventString(t *testing.T) {
	e := Event{Kind: StateChanged, Old: Hashing, New: Seeding}
	qt.Check(t, qt.StringContains(e.String(), "hashing -> seeding"))
	e = Event{Kind: AnnounceComplete, URL: "http://tracker", Err: errors.New("refused")}
	qt.Check(t, qt.StringContains(e.String(), "refused"))
	qt.Check(t, qt.Equals(Mode(5).String(), "Mode(5)"))
}
