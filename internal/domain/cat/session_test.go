package cat_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/okian/irtcat/internal/domain/cat"
	"github.com/okian/irtcat/internal/domain/irt"
	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/internal/domain/stopping"
	. "github.com/smartystreets/goconvey/convey"
)

var epoch = time.Unix(0, 0)

func bank(n int, domains ...string) []model.Item {
	items := make([]model.Item, n)
	for i := range items {
		d := "general"
		if len(domains) > 0 {
			d = domains[i%len(domains)]
		}
		items[i] = model.Item{
			ID:             fmt.Sprintf("item-%03d", i),
			Difficulty:     -3 + 6*float64(i)/float64(n-1),
			Discrimination: 1.0 + 0.5*float64(i%3),
			Domain:         d,
			CalibratedAt:   &epoch,
		}
	}
	return items
}

// answer deterministically: correct when the examinee is more likely than not to succeed.
func run(s *cat.Session, trueTheta float64) []string {
	var order []string
	for {
		c, ok := s.Next()
		if !ok {
			return order
		}
		order = append(order, c.Item.ID)
		p := irt.Probability(trueTheta, c.Item.Discrimination, c.Item.Difficulty)
		So(s.Record(c.Item.ID, p >= 0.5), ShouldBeNil)
	}
}

func TestSessionLifecycle(t *testing.T) {
	Convey("Given a session over a large bank", t, func() {
		s := cat.NewSession("s-1", bank(120))

		Convey("Then it starts at the prior", func() {
			e := s.Estimate()
			So(e.Theta, ShouldEqual, 0)
			So(e.SE, ShouldEqual, 1.0)
			So(e.StoppingReason, ShouldEqual, model.ReasonContinue)
		})

		Convey("When driven to completion", func() {
			order := run(s, 0.8)
			e := s.Estimate()

			Convey("Then length respects the bounds and the reason is terminal", func() {
				So(len(order), ShouldBeGreaterThanOrEqualTo, stopping.DefaultMinItems)
				So(len(order), ShouldBeLessThanOrEqualTo, stopping.DefaultMaxItems)
				So(stopping.Terminal(e.StoppingReason), ShouldBeTrue)
				So(len(e.History), ShouldEqual, len(order))
				So(e.Items, ShouldResemble, order)
			})

			Convey("Then no item is repeated", func() {
				seen := map[string]bool{}
				for _, id := range order {
					So(seen[id], ShouldBeFalse)
					seen[id] = true
				}
			})

			Convey("Then further records are refused", func() {
				So(errors.Is(s.Record("item-000", true), cat.ErrSessionFinished), ShouldBeTrue)
				_, ok := s.Next()
				So(ok, ShouldBeFalse)
			})
		})
	})
}

func TestSessionDeterminism(t *testing.T) {
	Convey("Given two sessions with identical inputs", t, func() {
		a := run(cat.NewSession("a", bank(60)), -0.4)
		b := run(cat.NewSession("b", bank(60)), -0.4)

		Convey("Then the administered sequences are identical", func() {
			So(a, ShouldResemble, b)
		})
	})
}

func TestSessionRecordErrors(t *testing.T) {
	Convey("Given a session with an offered item", t, func() {
		s := cat.NewSession("s-2", bank(20))
		c, ok := s.Next()
		So(ok, ShouldBeTrue)

		Convey("When asking again before recording", func() {
			again, _ := s.Next()
			So(again.Item.ID, ShouldEqual, c.Item.ID)
		})

		Convey("When recording an unknown item", func() {
			So(errors.Is(s.Record("nope", true), cat.ErrUnknownItem), ShouldBeTrue)
		})

		Convey("When recording an item that was not offered", func() {
			other := "item-000"
			if c.Item.ID == other {
				other = "item-019"
			}
			So(errors.Is(s.Record(other, true), cat.ErrNotOffered), ShouldBeTrue)
		})

		Convey("When recording the same item twice", func() {
			So(s.Record(c.Item.ID, true), ShouldBeNil)
			err := s.Record(c.Item.ID, true)
			So(errors.Is(err, cat.ErrAlreadyAdministered), ShouldBeTrue)
			So(cat.IsSessionError(err), ShouldBeTrue)
		})
	})
}

func TestSessionExhaustionAndAbort(t *testing.T) {
	Convey("Given a bank smaller than the minimum length", t, func() {
		s := cat.NewSession("s-3", bank(4))
		order := run(s, 0)

		Convey("Then the session stops with no items left", func() {
			So(len(order), ShouldEqual, 4)
			So(s.Estimate().StoppingReason, ShouldEqual, model.ReasonNoItems)
		})
	})

	Convey("Given a session aborted early", t, func() {
		s := cat.NewSession("s-4", bank(40))
		c, _ := s.Next()
		So(s.Record(c.Item.ID, true), ShouldBeNil)

		Convey("Then the reason records the forced stop", func() {
			So(s.Abort(), ShouldEqual, model.ReasonMinNotMetForced)
			So(s.Done(), ShouldBeTrue)
		})
	})

	Convey("Given domain targets that cannot be met", t, func() {
		s := cat.NewSession("s-5", bank(30, "verbal", "spatial"),
			cat.WithDomainTargets(map[string]int{"verbal": 2, "spatial": 2}),
			cat.WithRules(stopping.NewRules(stopping.WithItemBounds(6, 8))),
		)
		order := run(s, 0)
		e := s.Estimate()

		Convey("Then targets are honored first and then relaxed", func() {
			So(len(order), ShouldBeGreaterThanOrEqualTo, 6)
			So(e.DomainCoverage["verbal"], ShouldBeGreaterThanOrEqualTo, 2)
			So(e.DomainCoverage["spatial"], ShouldBeGreaterThanOrEqualTo, 2)
			So(s.Relaxed(), ShouldBeTrue)
		})
	})
}
