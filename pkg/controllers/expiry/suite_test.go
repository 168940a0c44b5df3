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

package expiry_test

import (
	"context"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	clock "k8s.io/utils/clock/testing"
	. "knative.dev/pkg/logging/testing"

	"github.com/stackpod/reserver/pkg/cluster"
	"github.com/stackpod/reserver/pkg/controllers/expiry"
	"github.com/stackpod/reserver/pkg/fake"
	"github.com/stackpod/reserver/pkg/operator/options"
	"github.com/stackpod/reserver/pkg/reservation"
	"github.com/stackpod/reserver/pkg/volume"
)

var (
	ctx           context.Context
	fakeClock     *clock.FakeClock
	st            *fake.Store
	gateway       *fake.Gateway
	cloudProvider *fake.CloudProvider
	opts          *options.Options
	controller    *expiry.Controller
)

func TestExpiry(t *testing.T) {
	ctx = TestContextWithLogger(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "Expiry")
}

var _ = BeforeEach(func() {
	fakeClock = clock.NewFakeClock(time.Now())
	opts = options.New()
	st = fake.NewStore(fakeClock)
	gateway = fake.NewGateway()
	cloudProvider = fake.NewCloudProvider()
	controller = expiry.NewController(fakeClock, st.Reservations(), st.Volumes(), st.Audit(),
		gateway, cloudProvider, opts)
})

var _ = Describe("Expiry", func() {
	Context("Warnings", func() {
		It("should write the marker file when the first threshold is crossed", func() {
			seedActive("r-warn", 29*time.Minute)
			Expect(controller.Tick(ctx)).To(Succeed())

			Expect(gateway.ExecCalls).To(HaveLen(1))
			script := gateway.ExecCalls[0].Cmd[2]
			Expect(script).To(ContainSubstring("WARN_EXPIRES_IN_30MIN.txt"))
			Expect(script).ToNot(ContainSubstring("wall"))
			Expect(reservationByID("r-warn").WarningSent(30)).To(BeTrue())
		})
		It("should broadcast to terminals inside the final quarter hour", func() {
			seedActive("r-final", 10*time.Minute)
			Expect(controller.Tick(ctx)).To(Succeed())

			// Ten minutes out crosses both the 30 and the 15 minute levels.
			Expect(gateway.ExecCalls).To(HaveLen(2))
			scripts := lo.Map(gateway.ExecCalls, func(call fake.ExecCall, _ int) string { return call.Cmd[2] })
			Expect(scripts).To(ContainElement(And(
				ContainSubstring("WARN_EXPIRES_IN_15MIN.txt"),
				ContainSubstring("wall"),
			)))
		})
		It("should fire each warning level at most once", func() {
			seedActive("r-once", 10*time.Minute)
			Expect(controller.Tick(ctx)).To(Succeed())
			Expect(controller.Tick(ctx)).To(Succeed())

			Expect(gateway.ExecCalls).To(HaveLen(2))
		})
		It("should keep a level marked sent even when delivery fails", func() {
			seedActive("r-lost", 29*time.Minute)
			gateway.ExecErr = context.DeadlineExceeded
			Expect(controller.Tick(ctx)).To(Succeed())
			gateway.ExecErr = nil
			Expect(controller.Tick(ctx)).To(Succeed())

			Expect(gateway.ExecCalls).To(HaveLen(1))
			Expect(reservationByID("r-lost").WarningSent(30)).To(BeTrue())
		})
	})

	Context("Expiration", func() {
		It("should tear down a reservation past its expiry", func() {
			r := seedActive("r-done", time.Hour)
			seedBoundVolume("d-1", "r-done")
			r.VolumeID = "d-1"
			fakeClock.Step(2 * time.Hour)
			Expect(controller.Tick(ctx)).To(Succeed())

			expired := reservationByID("r-done")
			Expect(expired.Status).To(Equal(reservation.StatusExpired))
			Expect(expired.EndedAt).ToNot(BeNil())
			Expect(gateway.DeletedPods).To(ContainElement(cluster.PodName("r-done")))
			Expect(cloudProvider.Snapshots).To(HaveLen(1))
			Expect(st.VolumeRows["d-1"].InUse).To(BeFalse())
		})
		It("should finish the teardown on a later tick when the pod delete fails", func() {
			seedActive("r-stuck", time.Hour)
			fakeClock.Step(2 * time.Hour)
			gateway.DeletePodErr = context.DeadlineExceeded
			Expect(controller.Tick(ctx)).ToNot(Succeed())

			// The status committed but the pod survived the failed delete.
			Expect(reservationByID("r-stuck").Status).To(Equal(reservation.StatusExpired))
			Expect(gateway.Pods).To(HaveKey(cluster.PodName("r-stuck")))

			gateway.DeletePodErr = nil
			Expect(controller.Tick(ctx)).To(Succeed())

			Expect(gateway.DeletedPods).To(ContainElement(cluster.PodName("r-stuck")))
			Expect(gateway.Pods).ToNot(HaveKey(cluster.PodName("r-stuck")))
			Expect(reservationByID("r-stuck").CleanupDone).To(BeTrue())
		})
		It("should leave an audit trail for the expiry", func() {
			seedActive("r-audit", time.Hour)
			fakeClock.Step(2 * time.Hour)
			Expect(controller.Tick(ctx)).To(Succeed())

			Expect(st.AuditRows).To(HaveLen(1))
			Expect(st.AuditRows[0].EventType).To(Equal("reservation_expired"))
			Expect(st.AuditRows[0].ResourceID).To(Equal("r-audit"))
			Expect(st.AuditRows[0].UserID).To(Equal("dev"))
		})
		It("should do nothing on a second pass over an expired reservation", func() {
			r := seedActive("r-again", time.Hour)
			seedBoundVolume("d-2", "r-again")
			r.VolumeID = "d-2"
			fakeClock.Step(2 * time.Hour)
			Expect(controller.Tick(ctx)).To(Succeed())
			Expect(controller.Tick(ctx)).To(Succeed())

			Expect(cloudProvider.Snapshots).To(HaveLen(1))
			Expect(gateway.DeletedPods).To(HaveLen(1))
		})
		It("should leave reservations with time remaining alone", func() {
			seedActive("r-young", 5*time.Hour)
			Expect(controller.Tick(ctx)).To(Succeed())

			Expect(reservationByID("r-young").Status).To(Equal(reservation.StatusActive))
			Expect(gateway.DeletedPods).To(BeEmpty())
		})
	})

	Context("OOM Policing", func() {
		It("should record isolated OOM kills without failing the reservation", func() {
			r := seedActive("r-oomy", time.Hour)
			seedOOMEvents(r.PodName, 2)
			Expect(controller.Tick(ctx)).To(Succeed())

			after := reservationByID("r-oomy")
			Expect(after.Status).To(Equal(reservation.StatusActive))
			Expect(after.OOMCount).To(Equal(2))
			Expect(after.LastOOMAt).ToNot(BeNil())
			Expect(after.OOMContainer).To(Equal("workspace"))
		})
		It("should tolerate a kill rate at exactly the limit", func() {
			r := seedActive("r-edge", time.Hour)
			seedOOMEvents(r.PodName, opts.OOMRateLimit)
			Expect(controller.Tick(ctx)).To(Succeed())

			after := reservationByID("r-edge")
			Expect(after.Status).To(Equal(reservation.StatusActive))
			Expect(after.OOMCount).To(Equal(opts.OOMRateLimit))
		})
		It("should fail a reservation OOM-killing faster than the rate limit", func() {
			r := seedActive("r-thrash", time.Hour)
			seedOOMEvents(r.PodName, opts.OOMRateLimit+1)
			Expect(controller.Tick(ctx)).To(Succeed())

			after := reservationByID("r-thrash")
			Expect(after.Status).To(Equal(reservation.StatusFailed))
			Expect(after.FailureReason).To(Equal("workload repeatedly out of memory"))
			Expect(gateway.DeletedPods).To(ContainElement(r.PodName))
			Expect(st.AuditRows).To(HaveLen(1))
			Expect(st.AuditRows[0].EventType).To(Equal("reservation_failed"))
		})
		It("should not count kills that fell out of the rate window", func() {
			r := seedActive("r-slow", time.Hour)
			stale := fakeClock.Now().Add(-2 * opts.OOMRateWindow)
			for i := 0; i < opts.OOMRateLimit; i++ {
				appendOOMEvent(r.PodName, stale.Add(time.Duration(i)*time.Second))
			}
			Expect(controller.Tick(ctx)).To(Succeed())

			after := reservationByID("r-slow")
			Expect(after.Status).To(Equal(reservation.StatusActive))
			Expect(after.OOMCount).To(Equal(opts.OOMRateLimit))
		})
	})

	Context("Volume Purge", func() {
		It("should hard-delete volumes past their retention window", func() {
			deleteDate := fakeClock.Now().Add(-time.Hour)
			st.VolumeRows["d-old"] = &volume.Volume{
				ID: "d-old", UserID: "dev", Name: "stale", CloudVolumeID: "vol-old",
				IsDeleted: true, DeleteDate: &deleteDate,
			}
			Expect(controller.Tick(ctx)).To(Succeed())

			Expect(cloudProvider.DeletedVolumes).To(ContainElement("vol-old"))
			Expect(gateway.DeletedClaims).To(ContainElement(cluster.VolumeClaimName("dev", "stale")))
			Expect(st.VolumeRows).ToNot(HaveKey("d-old"))
		})
		It("should retain soft-deleted volumes until the window lapses", func() {
			deleteDate := fakeClock.Now().Add(time.Hour)
			st.VolumeRows["d-fresh"] = &volume.Volume{
				ID: "d-fresh", UserID: "dev", Name: "recent", CloudVolumeID: "vol-fresh",
				IsDeleted: true, DeleteDate: &deleteDate,
			}
			Expect(controller.Tick(ctx)).To(Succeed())

			Expect(cloudProvider.DeletedVolumes).To(BeEmpty())
			Expect(st.VolumeRows).To(HaveKey("d-fresh"))
		})
		It("should leave the row in place when the cloud delete fails", func() {
			deleteDate := fakeClock.Now().Add(-time.Hour)
			st.VolumeRows["d-stuck"] = &volume.Volume{
				ID: "d-stuck", UserID: "dev", Name: "stuck", CloudVolumeID: "vol-stuck",
				IsDeleted: true, DeleteDate: &deleteDate,
			}
			cloudProvider.DeleteVolumeErr = context.DeadlineExceeded
			Expect(controller.Tick(ctx)).ToNot(Succeed())

			Expect(st.VolumeRows).To(HaveKey("d-stuck"))
			Expect(gateway.DeletedClaims).To(BeEmpty())
		})
	})
})

func seedActive(id string, remaining time.Duration) *reservation.Reservation {
	launch := fakeClock.Now().Add(-time.Hour)
	expiry := fakeClock.Now().Add(remaining)
	r := &reservation.Reservation{
		ID:         id,
		UserID:     "dev",
		Status:     reservation.StatusActive,
		GPUType:    "h100",
		GPUCount:   1,
		CreatedAt:  launch,
		LaunchTime: &launch,
		ExpiryTime: &expiry,
		PodName:    cluster.PodName(id),
		Namespace:  "reservations",
	}
	st.ReservationRows[id] = r
	gateway.Pods[r.PodName] = &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: r.PodName},
		Spec:       corev1.PodSpec{NodeName: "node-1"},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
	return r
}

func seedBoundVolume(id, reservationID string) {
	st.VolumeRows[id] = &volume.Volume{
		ID: id, UserID: "dev", Name: strings.TrimPrefix(id, "d-"), SizeGiB: 100,
		CloudVolumeID: "vol-" + id, InUse: true, ReservationID: reservationID,
	}
}

func seedOOMEvents(podName string, count int) {
	for i := 0; i < count; i++ {
		appendOOMEvent(podName, fakeClock.Now().Add(-time.Duration(count-i)*time.Minute))
	}
}

func appendOOMEvent(podName string, at time.Time) {
	gateway.Events[podName] = append(gateway.Events[podName], corev1.Event{
		Reason:        "OOMKilling",
		Message:       "Memory cgroup out of memory",
		LastTimestamp: metav1.Time{Time: at},
		InvolvedObject: corev1.ObjectReference{
			FieldPath: "spec.containers{workspace}",
		},
	})
}

func reservationByID(id string) *reservation.Reservation {
	GinkgoHelper()
	r, err := st.Get(ctx, id)
	Expect(err).ToNot(HaveOccurred())
	return r
}
