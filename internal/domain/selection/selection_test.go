package selection_test

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/irtcat/internal/domain/model"
	"github.com/okian/irtcat/internal/domain/selection"
	. "github.com/smartystreets/goconvey/convey"
)

var epoch = time.Unix(0, 0)

func calibrated(id, domain string, a, b float64) model.Item {
	return model.Item{ID: id, Domain: domain, Discrimination: a, Difficulty: b, CalibratedAt: &epoch}
}

func TestSelectNext(t *testing.T) {
	Convey("Given a selector", t, func() {
		sel := selection.New()

		Convey("When the pool holds difficulties -1, 0, 1 with equal discrimination", func() {
			bank := []model.Item{
				calibrated("i-hard", "g", 1.2, 1),
				calibrated("i-easy", "g", 1.2, -1),
				calibrated("i-mid", "g", 1.2, 0),
			}
			c, err := sel.SelectNext(0, bank, map[string]struct{}{}, nil)

			Convey("Then the item whose difficulty matches theta is chosen first", func() {
				So(err, ShouldBeNil)
				So(c.Item.ID, ShouldEqual, "i-mid")
				So(c.Relaxed, ShouldBeFalse)
			})
		})

		Convey("When two items tie on information", func() {
			bank := []model.Item{
				calibrated("b", "g", 1, 0.5),
				calibrated("a", "g", 1, -0.5),
			}
			c, err := sel.SelectNext(0, bank, nil, nil)

			Convey("Then the lowest id wins", func() {
				So(err, ShouldBeNil)
				So(c.Item.ID, ShouldEqual, "a")
			})
		})

		Convey("When items are administered, uncalibrated or non-discriminating", func() {
			uncal := model.Item{ID: "u", Domain: "g", Discrimination: 2, Difficulty: 0}
			bank := []model.Item{
				calibrated("done", "g", 2, 0),
				uncal,
				calibrated("flat", "g", 0, 0),
				calibrated("ok", "g", 0.8, 2),
			}
			c, err := sel.SelectNext(0, bank, map[string]struct{}{"done": {}}, nil)

			Convey("Then only the remaining eligible item is considered", func() {
				So(err, ShouldBeNil)
				So(c.Item.ID, ShouldEqual, "ok")
			})
		})

		Convey("When a domain target has been met", func() {
			bank := []model.Item{
				calibrated("v1", "verbal", 1, 0),
				calibrated("v2", "verbal", 2, 0),
				calibrated("s1", "spatial", 0.5, 2),
			}
			targets := map[string]int{"verbal": 1, "spatial": 1}
			c, err := sel.SelectNext(0, bank, map[string]struct{}{"v1": {}}, targets)

			Convey("Then the other domain is preferred even with less information", func() {
				So(err, ShouldBeNil)
				So(c.Item.ID, ShouldEqual, "s1")
				So(c.Relaxed, ShouldBeFalse)
			})
		})

		Convey("When every domain target is met", func() {
			bank := []model.Item{
				calibrated("v1", "verbal", 1, 0),
				calibrated("v2", "verbal", 2, 0),
			}
			c, err := sel.SelectNext(0, bank, map[string]struct{}{"v1": {}}, map[string]int{"verbal": 1})

			Convey("Then targets are relaxed before declaring exhaustion", func() {
				So(err, ShouldBeNil)
				So(c.Item.ID, ShouldEqual, "v2")
				So(c.Relaxed, ShouldBeTrue)
			})
		})

		Convey("When nothing is left in the bank", func() {
			bank := []model.Item{calibrated("v1", "verbal", 1, 0)}
			_, err := sel.SelectNext(0, bank, map[string]struct{}{"v1": {}}, nil)

			Convey("Then the bank is exhausted", func() {
				So(errors.Is(err, selection.ErrItemBankExhausted), ShouldBeTrue)
			})
		})
	})
}

func TestRank(t *testing.T) {
	Convey("Given items around theta 1", t, func() {
		items := []model.Item{
			calibrated("far", "g", 1, -2),
			calibrated("near", "g", 1, 1),
			calibrated("mid", "g", 1, 0),
			{ID: "uncal", Discrimination: 1, Difficulty: 1},
		}
		ranked := selection.New().Rank(1, items)

		Convey("Then usable items are ordered by information", func() {
			So(len(ranked), ShouldEqual, 3)
			So(ranked[0].Item.ID, ShouldEqual, "near")
			So(ranked[1].Item.ID, ShouldEqual, "mid")
			So(ranked[2].Item.ID, ShouldEqual, "far")
		})
	})
}
