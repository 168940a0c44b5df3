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

package processor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Pallinder/go-randomdata"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	clock "k8s.io/utils/clock/testing"
	. "knative.dev/pkg/logging/testing"

	"github.com/stackpod/reserver/pkg/cluster"
	"github.com/stackpod/reserver/pkg/fake"
	"github.com/stackpod/reserver/pkg/gputype"
	"github.com/stackpod/reserver/pkg/operator/options"
	"github.com/stackpod/reserver/pkg/queue/messages"
	"github.com/stackpod/reserver/pkg/reservation"
	"github.com/stackpod/reserver/pkg/volume"
)

var (
	ctx           context.Context
	fakeClock     *clock.FakeClock
	st            *fake.Store
	resvQueue     *fake.Queue
	diskQueue     *fake.Queue
	gateway       *fake.Gateway
	cloudProvider *fake.CloudProvider
	sshKeys       *fake.SSHKeys
	opts          *options.Options
	controller    *Controller
)

func TestProcessor(t *testing.T) {
	ctx = TestContextWithLogger(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "Processor")
}

var _ = BeforeEach(func() {
	fakeClock = clock.NewFakeClock(time.Now())
	opts = options.New()
	st = fake.NewStore(fakeClock)
	resvQueue = fake.NewQueue(opts.QueueNameReservations, fakeClock, opts.VisibilityTimeout)
	diskQueue = fake.NewQueue(opts.QueueNameDiskOps, fakeClock, opts.VisibilityTimeout)
	gateway = fake.NewGateway()
	cloudProvider = fake.NewCloudProvider()
	sshKeys = fake.NewSSHKeys()
	controller = NewController(fakeClock, st.Reservations(), st.Volumes(), st.GPUTypes(), st.Audit(),
		resvQueue, diskQueue, gateway, cloudProvider, sshKeys, opts)
	controller.podPollInterval = time.Millisecond
	controller.probe = func(context.Context, string) error { return nil }

	st.GPUTypeRows["h100"] = &gputype.GPUType{
		Tag:            "h100",
		InstanceFamily: "p5",
		MaxGPUsPerNode: 8,
		CPUsPerNode:    96,
		MemoryGiB:      1024,
		AvailableGPUs:  8,
		MaxReservable:  8,
	}
	sshKeys.KeysByUser["dev"] = []string{"ssh-ed25519 AAAA dev@laptop"}
})

var _ = Describe("Processor", func() {
	Context("Reservation Creation", func() {
		It("should drive a reservation from message to active", func() {
			msg := reserveMessage("r-create", 2)
			ExpectSent(resvQueue, msg)
			ExpectHandled(controller)

			r := ExpectReservation("r-create")
			Expect(r.Status).To(Equal(reservation.StatusActive))
			Expect(r.PodName).To(Equal(cluster.PodName("r-create")))
			Expect(r.NodeIP).To(Equal("203.0.113.10"))
			Expect(r.PrivateNodeIP).To(Equal("10.0.0.10"))
			Expect(r.NodePort).To(Equal(cluster.SSHPort("r-create")))
			Expect(r.LaunchTime).ToNot(BeNil())
			Expect(r.ExpiryTime.Sub(*r.LaunchTime)).To(Equal(4 * time.Hour))
			statuses := lo.Map(r.StatusHistory, func(h reservation.HistoryEntry, _ int) reservation.Status { return h.Status })
			Expect(statuses).To(Equal([]reservation.Status{
				reservation.StatusQueued, reservation.StatusPending, reservation.StatusPreparing, reservation.StatusActive,
			}))
			Expect(resvQueue.Len()).To(Equal(0))
			Expect(st.GPUTypeRows["h100"].AvailableGPUs).To(Equal(6))
		})
		It("should reuse the existing pod on redelivery", func() {
			msg := reserveMessage("r-idem", 1)
			ExpectSent(resvQueue, msg)
			ExpectSent(resvQueue, msg)
			ExpectHandled(controller)
			ExpectHandled(controller)

			Expect(gateway.Pods).To(HaveLen(1))
			Expect(ExpectReservation("r-idem").Status).To(Equal(reservation.StatusActive))
			Expect(resvQueue.Len()).To(Equal(0))
			// Only the first delivery admits; capacity is decremented once.
			Expect(st.GPUTypeRows["h100"].AvailableGPUs).To(Equal(7))
		})
		It("should leave the message queued when capacity is exhausted", func() {
			st.GPUTypeRows["h100"].AvailableGPUs = 0
			ExpectSent(resvQueue, reserveMessage("r-starved", 1))
			ExpectHandled(controller)

			Expect(ExpectReservation("r-starved").Status).To(Equal(reservation.StatusQueued))
			Expect(resvQueue.Len()).To(Equal(1))
			Expect(gateway.Pods).To(BeEmpty())
		})
		It("should fail the reservation when the requested disk is attached elsewhere", func() {
			st.VolumeRows["d-1"] = &volume.Volume{
				ID: "d-1", UserID: "dev", Name: "scratch", SizeGiB: 100,
				CloudVolumeID: "vol-1", InUse: true, ReservationID: "r-other",
			}
			msg := reserveMessage("r-conflict", 1)
			msg.UserID = "dev"
			msg.DiskName = "scratch"
			ExpectSent(resvQueue, msg)
			ExpectHandled(controller)

			r := ExpectReservation("r-conflict")
			Expect(r.Status).To(Equal(reservation.StatusFailed))
			Expect(r.FailureReason).To(ContainSubstring("disk in use by reservation r-other"))
			Expect(resvQueue.Len()).To(Equal(0))
		})
		It("should bind the requested disk and release it when cancelled", func() {
			st.VolumeRows["d-bound"] = &volume.Volume{
				ID: "d-bound", UserID: "dev", Name: "scratch", SizeGiB: 100, CloudVolumeID: "vol-bound",
			}
			msg := reserveMessage("r-disk", 1)
			msg.UserID = "dev"
			msg.DiskName = "scratch"
			ExpectSent(resvQueue, msg)
			ExpectHandled(controller)

			r := ExpectReservation("r-disk")
			Expect(r.Status).To(Equal(reservation.StatusActive))
			Expect(r.VolumeID).To(Equal("d-bound"))
			Expect(st.VolumeRows["d-bound"].InUse).To(BeTrue())
			Expect(st.VolumeRows["d-bound"].ReservationID).To(Equal("r-disk"))

			ExpectSent(resvQueue, messages.Cancel{
				Metadata: messages.Metadata{Action: messages.ActionCancel, ReservationID: "r-disk", UserID: "dev"},
			})
			ExpectHandled(controller)

			Expect(st.VolumeRows["d-bound"].InUse).To(BeFalse())
			Expect(st.VolumeRows["d-bound"].ReservationID).To(BeEmpty())
			Expect(cloudProvider.Snapshots).To(HaveLen(1))
			Expect(cloudProvider.Snapshots[0].VolumeID).To(Equal("vol-bound"))
		})
		It("should fail the reservation when the user has no published keys", func() {
			msg := reserveMessage("r-nokeys", 1)
			msg.GithubUser = "ghost"
			ExpectSent(resvQueue, msg)
			ExpectHandled(controller)

			r := ExpectReservation("r-nokeys")
			Expect(r.Status).To(Equal(reservation.StatusFailed))
			Expect(r.FailureReason).To(ContainSubstring("no SSH keys published"))
		})
		It("should reject durations beyond the single-reservation limit", func() {
			msg := reserveMessage("r-toolong", 1)
			msg.DurationHours = opts.ReservationMaxHours + 1
			ExpectSent(resvQueue, msg)
			ExpectHandled(controller)

			Expect(ExpectReservation("r-toolong").Status).To(Equal(reservation.StatusFailed))
			Expect(resvQueue.Len()).To(Equal(0))
		})
		It("should archive messages that cannot be parsed", func() {
			ExpectSent(resvQueue, map[string]interface{}{"action": "defragment"})
			ExpectHandled(controller)

			Expect(resvQueue.Len()).To(Equal(0))
			Expect(resvQueue.Archived).To(HaveLen(1))
		})
		It("should archive and fail after exhausting deliveries", func() {
			gateway.EnsurePodErr = fmt.Errorf("apiserver unavailable")
			ExpectSent(resvQueue, reserveMessage("r-doomed", 1))
			for i := 0; i < opts.MaxDeliveries; i++ {
				_, _ = controller.Poll(ctx)
				fakeClock.Step(opts.VisibilityTimeout + time.Second)
			}

			Expect(resvQueue.Len()).To(Equal(0))
			Expect(resvQueue.Archived).To(HaveLen(1))
			Expect(ExpectReservation("r-doomed").Status).To(Equal(reservation.StatusFailed))
		})
	})

	Context("Reservation Operations", func() {
		It("should extend an active reservation", func() {
			r := seedActive("r-extend")
			before := *r.ExpiryTime
			ExpectSent(resvQueue, messages.Extend{
				Metadata: messages.Metadata{Action: messages.ActionExtend, ReservationID: "r-extend", UserID: "dev"},
				Hours:    2,
			})
			ExpectHandled(controller)

			Expect(ExpectReservation("r-extend").ExpiryTime.Sub(before)).To(Equal(2 * time.Hour))
			Expect(resvQueue.Len()).To(Equal(0))
		})
		It("should reject an extension past the total cap without touching the reservation", func() {
			r := seedActive("r-capped")
			before := *r.ExpiryTime
			ExpectSent(resvQueue, messages.Extend{
				Metadata: messages.Metadata{Action: messages.ActionExtend, ReservationID: "r-capped", UserID: "dev"},
				Hours:    opts.TotalMaxHours,
			})
			ExpectHandled(controller)

			after := ExpectReservation("r-capped")
			Expect(after.Status).To(Equal(reservation.StatusActive))
			Expect(after.ExpiryTime.Equal(before)).To(BeTrue())
			Expect(resvQueue.Len()).To(Equal(0))
		})
		It("should cancel a reservation and release its disk with a snapshot", func() {
			r := seedActive("r-cancel")
			st.VolumeRows["d-2"] = &volume.Volume{
				ID: "d-2", UserID: "dev", Name: "scratch", SizeGiB: 100,
				CloudVolumeID: "vol-2", InUse: true, ReservationID: "r-cancel",
			}
			r.VolumeID = "d-2"
			ExpectSent(resvQueue, messages.Cancel{
				Metadata: messages.Metadata{Action: messages.ActionCancel, ReservationID: "r-cancel", UserID: "dev"},
			})
			ExpectHandled(controller)

			Expect(ExpectReservation("r-cancel").Status).To(Equal(reservation.StatusCancelled))
			Expect(gateway.DeletedPods).To(ContainElement(cluster.PodName("r-cancel")))
			Expect(cloudProvider.Snapshots).To(HaveLen(1))
			Expect(cloudProvider.Snapshots[0].VolumeID).To(Equal("vol-2"))
			Expect(st.VolumeRows["d-2"].InUse).To(BeFalse())
		})
		It("should cascade a master cancellation to every sibling", func() {
			master := seedActive("r-master")
			master.IsMultinode, master.MasterReservationID, master.TotalNodes = true, "r-master", 2
			sibling := seedActive("r-sibling")
			sibling.IsMultinode, sibling.MasterReservationID, sibling.NodeIndex, sibling.TotalNodes = true, "r-master", 1, 2
			ExpectSent(resvQueue, messages.Cancel{
				Metadata: messages.Metadata{Action: messages.ActionCancel, ReservationID: "r-master", UserID: "dev"},
			})
			ExpectHandled(controller)

			Expect(ExpectReservation("r-master").Status).To(Equal(reservation.StatusCancelled))
			Expect(ExpectReservation("r-sibling").Status).To(Equal(reservation.StatusCancelled))
		})
		It("should start jupyter and record the access URL", func() {
			seedActive("r-nb")
			ExpectSent(resvQueue, messages.EnableJupyter{
				Metadata: messages.Metadata{Action: messages.ActionEnableJupyter, ReservationID: "r-nb", UserID: "dev"},
			})
			ExpectHandled(controller)

			r := ExpectReservation("r-nb")
			Expect(r.Jupyter.Enabled).To(BeTrue())
			Expect(r.Jupyter.Token).ToNot(BeEmpty())
			Expect(r.Jupyter.URL).To(ContainSubstring(r.NodeIP))
			Expect(r.Jupyter.URL).To(ContainSubstring(r.Jupyter.Token))
			Expect(gateway.ExecCalls).To(HaveLen(1))
			Expect(gateway.ExecCalls[0].Cmd[0]).To(Equal("/usr/local/bin/start-jupyter"))
		})
		It("should stop jupyter and clear its state", func() {
			r := seedActive("r-nboff")
			r.Jupyter = reservation.Jupyter{Enabled: true, URL: "http://203.0.113.10:32010", Token: "tok"}
			ExpectSent(resvQueue, messages.DisableJupyter{
				Metadata: messages.Metadata{Action: messages.ActionDisableJupyter, ReservationID: "r-nboff", UserID: "dev"},
			})
			ExpectHandled(controller)

			Expect(ExpectReservation("r-nboff").Jupyter).To(Equal(reservation.Jupyter{}))
			Expect(gateway.ExecCalls[0].Cmd).To(ContainElement("/usr/local/bin/stop-jupyter"))
		})
		It("should grant an additional user access over exec", func() {
			seedActive("r-share")
			sshKeys.KeysByUser["friend"] = []string{"ssh-rsa BBBB friend@laptop"}
			ExpectSent(resvQueue, messages.AddUser{
				Metadata:   messages.Metadata{Action: messages.ActionAddUser, ReservationID: "r-share", UserID: "dev"},
				GithubUser: "friend",
			})
			ExpectHandled(controller)

			Expect(ExpectReservation("r-share").SecondaryUsers).To(ContainElement("friend"))
			Expect(gateway.ExecCalls).To(HaveLen(1))
			Expect(strings.Join(gateway.ExecCalls[0].Cmd, " ")).To(ContainSubstring("grant-access"))
		})
	})

	Context("Disk Operations", func() {
		It("should provision a disk and complete the operation", func() {
			ExpectSent(diskQueue, messages.DiskCreate{
				Metadata:    messages.Metadata{Action: messages.ActionDiskCreate, DiskName: "scratch", UserID: "dev"},
				SizeGiB:     200,
				OperationID: "op-1",
			})
			ExpectHandled(controller)

			claim := cluster.VolumeClaimName("dev", "scratch")
			Expect(gateway.CreatedClaims).To(HaveKeyWithValue(claim, 200))
			v := ExpectVolumeByName("dev", "scratch")
			Expect(v.CloudVolumeID).ToNot(BeEmpty())
			Expect(v.OperationStatus).To(Equal(volume.OperationCompleted))
			Expect(diskQueue.Len()).To(Equal(0))
		})
		It("should snapshot and soft-delete a disk, retaining it for the purge window", func() {
			st.VolumeRows["d-3"] = &volume.Volume{
				ID: "d-3", UserID: "dev", Name: "old", SizeGiB: 50, CloudVolumeID: "vol-3",
			}
			ExpectSent(diskQueue, messages.DiskDelete{
				Metadata:    messages.Metadata{Action: messages.ActionDiskDelete, DiskName: "old", UserID: "dev"},
				OperationID: "op-2",
			})
			ExpectHandled(controller)

			v := st.VolumeRows["d-3"]
			Expect(v.IsDeleted).To(BeTrue())
			Expect(v.DeleteDate.Sub(fakeClock.Now())).To(BeNumerically("~", time.Duration(opts.VolumeRetentionDays)*24*time.Hour, time.Minute))
			Expect(v.OperationStatus).To(Equal(volume.OperationCompleted))
			Expect(cloudProvider.Snapshots).To(HaveLen(1))
		})
		It("should complete a redelivered delete for an already soft-deleted disk", func() {
			st.VolumeRows["d-5"] = &volume.Volume{
				ID: "d-5", UserID: "dev", Name: "twice", SizeGiB: 50, CloudVolumeID: "vol-5",
			}
			msg := messages.DiskDelete{
				Metadata:    messages.Metadata{Action: messages.ActionDiskDelete, DiskName: "twice", UserID: "dev"},
				OperationID: "op-4",
			}
			ExpectSent(diskQueue, msg)
			ExpectSent(diskQueue, msg)
			ExpectHandled(controller)

			v := st.VolumeRows["d-5"]
			Expect(v.IsDeleted).To(BeTrue())
			Expect(v.OperationStatus).To(Equal(volume.OperationCompleted))
			Expect(v.OperationError).To(BeEmpty())
			Expect(cloudProvider.Snapshots).To(HaveLen(1))
			Expect(diskQueue.Len()).To(Equal(0))
		})
		It("should refuse to delete an attached disk and stamp the operation failed", func() {
			st.VolumeRows["d-4"] = &volume.Volume{
				ID: "d-4", UserID: "dev", Name: "busy", SizeGiB: 50,
				CloudVolumeID: "vol-4", InUse: true, ReservationID: "r-user",
			}
			ExpectSent(diskQueue, messages.DiskDelete{
				Metadata:    messages.Metadata{Action: messages.ActionDiskDelete, DiskName: "busy", UserID: "dev"},
				OperationID: "op-3",
			})
			ExpectHandled(controller)

			v := st.VolumeRows["d-4"]
			Expect(v.IsDeleted).To(BeFalse())
			Expect(v.OperationStatus).To(Equal(volume.OperationFailed))
			Expect(v.OperationError).To(ContainSubstring("attached to reservation r-user"))
			Expect(diskQueue.Len()).To(Equal(0))
		})
	})
})

func reserveMessage(id string, gpus int) messages.Reserve {
	return messages.Reserve{
		Metadata: messages.Metadata{
			Action:        messages.ActionReserve,
			ReservationID: id,
			UserID:        strings.ToLower(randomdata.SillyName()),
		},
		GPUType:       "h100",
		GPUCount:      gpus,
		DurationHours: 4,
		Image:         "workspace:latest",
		GithubUser:    "dev",
	}
}

// seedActive plants an active reservation row with a running pod behind it.
func seedActive(id string) *reservation.Reservation {
	launch := fakeClock.Now().Add(-time.Hour)
	expiry := launch.Add(8 * time.Hour)
	r := &reservation.Reservation{
		ID:            id,
		UserID:        "dev",
		Status:        reservation.StatusActive,
		GPUType:       "h100",
		GPUCount:      1,
		DurationHours: 8,
		CreatedAt:     launch,
		LaunchTime:    &launch,
		ExpiryTime:    &expiry,
		PodName:       cluster.PodName(id),
		Namespace:     "reservations",
		NodeIP:        "203.0.113.10",
		NodePort:      cluster.SSHPort(id),
	}
	st.ReservationRows[id] = r
	gateway.Pods[r.PodName] = &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: r.PodName},
		Spec:       corev1.PodSpec{NodeName: "node-1"},
		Status: corev1.PodStatus{
			Phase:      corev1.PodRunning,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
		},
	}
	return r
}

func ExpectSent(q *fake.Queue, body interface{}) {
	GinkgoHelper()
	_, err := q.Send(ctx, body)
	Expect(err).ToNot(HaveOccurred())
}

// ExpectHandled polls until the queues are drained or nothing moves anymore.
func ExpectHandled(c *Controller) {
	GinkgoHelper()
	for {
		handled, _ := c.Poll(ctx)
		if !handled {
			return
		}
	}
}

func ExpectReservation(id string) *reservation.Reservation {
	GinkgoHelper()
	r, err := st.Get(ctx, id)
	Expect(err).ToNot(HaveOccurred())
	return r
}

func ExpectVolumeByName(userID, name string) *volume.Volume {
	GinkgoHelper()
	v, err := st.GetByName(ctx, userID, name)
	Expect(err).ToNot(HaveOccurred())
	return v
}
