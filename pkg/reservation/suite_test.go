/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reservation_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/stackpod/reserver/pkg/reservation"
)

func TestReservation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reservation")
}

var _ = Describe("Status", func() {
	It("should order the live phases monotonically", func() {
		Expect(reservation.StatusQueued.CanTransition(reservation.StatusPending)).To(BeTrue())
		Expect(reservation.StatusPending.CanTransition(reservation.StatusPreparing)).To(BeTrue())
		Expect(reservation.StatusPreparing.CanTransition(reservation.StatusActive)).To(BeTrue())
		Expect(reservation.StatusQueued.CanTransition(reservation.StatusActive)).To(BeTrue())
	})
	It("should forbid regressions", func() {
		Expect(reservation.StatusActive.CanTransition(reservation.StatusPending)).To(BeFalse())
		Expect(reservation.StatusPreparing.CanTransition(reservation.StatusQueued)).To(BeFalse())
	})
	It("should let any live phase terminate", func() {
		for _, s := range []reservation.Status{
			reservation.StatusQueued, reservation.StatusPending, reservation.StatusPreparing, reservation.StatusActive,
		} {
			Expect(s.CanTransition(reservation.StatusCancelled)).To(BeTrue())
			Expect(s.CanTransition(reservation.StatusExpired)).To(BeTrue())
			Expect(s.CanTransition(reservation.StatusFailed)).To(BeTrue())
		}
	})
	It("should never leave a terminal phase", func() {
		for _, s := range []reservation.Status{
			reservation.StatusCancelled, reservation.StatusExpired, reservation.StatusFailed,
		} {
			Expect(s.IsTerminal()).To(BeTrue())
			Expect(s.CanTransition(reservation.StatusActive)).To(BeFalse())
			Expect(s.CanTransition(reservation.StatusFailed)).To(BeFalse())
		}
	})
})

var _ = Describe("Reservation", func() {
	It("should identify the master of a multi-node group", func() {
		master := &reservation.Reservation{ID: "r-1", IsMultinode: true, MasterReservationID: "r-1"}
		sibling := &reservation.Reservation{ID: "r-2", IsMultinode: true, MasterReservationID: "r-1"}
		single := &reservation.Reservation{ID: "r-3"}
		Expect(master.IsMaster()).To(BeTrue())
		Expect(sibling.IsMaster()).To(BeFalse())
		Expect(single.IsMaster()).To(BeFalse())
	})
	It("should report remaining time only once an expiry is set", func() {
		now := time.Now()
		r := &reservation.Reservation{}
		_, ok := r.TimeRemaining(now)
		Expect(ok).To(BeFalse())

		r.ExpiryTime = lo.ToPtr(now.Add(30 * time.Minute))
		remaining, ok := r.TimeRemaining(now)
		Expect(ok).To(BeTrue())
		Expect(remaining).To(Equal(30 * time.Minute))
	})
	It("should track warning levels independently", func() {
		r := &reservation.Reservation{Warnings: reservation.Warnings{Sent: map[int]bool{30: true}}}
		Expect(r.WarningSent(30)).To(BeTrue())
		Expect(r.WarningSent(15)).To(BeFalse())
	})
})
