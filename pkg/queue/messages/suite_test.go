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

package messages_test

import (
	"encoding/json"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stackpod/reserver/pkg/queue/messages"
)

func TestMessages(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Messages")
}

var _ = Describe("Parse", func() {
	It("should parse a reserve message with its payload", func() {
		raw := []byte(`{
			"action": "reserve",
			"reservation_id": "r-1",
			"user_id": "dev",
			"gpu_type": "h100",
			"gpu_count": 2,
			"duration_hours": 4.5,
			"image": "workspace:latest",
			"env_vars": {"WANDB_PROJECT": "demo"},
			"jupyter_enabled": true,
			"github_user": "octocat"
		}`)
		parsed, err := messages.Parse(raw)
		Expect(err).ToNot(HaveOccurred())
		msg, ok := parsed.(messages.Reserve)
		Expect(ok).To(BeTrue())
		Expect(msg.Kind()).To(Equal(messages.ActionReserve))
		Expect(msg.ReservationID).To(Equal("r-1"))
		Expect(msg.UserID).To(Equal("dev"))
		Expect(msg.GPUType).To(Equal("h100"))
		Expect(msg.GPUCount).To(Equal(2))
		Expect(msg.DurationHours).To(Equal(4.5))
		Expect(msg.EnvVars).To(HaveKeyWithValue("WANDB_PROJECT", "demo"))
		Expect(msg.JupyterEnabled).To(BeTrue())
		Expect(msg.GithubUser).To(Equal("octocat"))
	})
	It("should parse every operation action to its own type", func() {
		Expect(messages.Parse([]byte(`{"action": "cancel", "reservation_id": "r-1", "user_id": "dev"}`))).
			To(BeAssignableToTypeOf(messages.Cancel{}))
		Expect(messages.Parse([]byte(`{"action": "extend", "reservation_id": "r-1", "user_id": "dev", "hours": 2}`))).
			To(BeAssignableToTypeOf(messages.Extend{}))
		Expect(messages.Parse([]byte(`{"action": "enable_jupyter", "reservation_id": "r-1", "user_id": "dev"}`))).
			To(BeAssignableToTypeOf(messages.EnableJupyter{}))
		Expect(messages.Parse([]byte(`{"action": "disable_jupyter", "reservation_id": "r-1", "user_id": "dev"}`))).
			To(BeAssignableToTypeOf(messages.DisableJupyter{}))
		Expect(messages.Parse([]byte(`{"action": "add_user", "reservation_id": "r-1", "user_id": "dev", "github_user": "octocat"}`))).
			To(BeAssignableToTypeOf(messages.AddUser{}))
		Expect(messages.Parse([]byte(`{"action": "disk_create", "disk_name": "scratch", "user_id": "dev", "size_gib": 100}`))).
			To(BeAssignableToTypeOf(messages.DiskCreate{}))
		Expect(messages.Parse([]byte(`{"action": "disk_delete", "disk_name": "scratch", "user_id": "dev"}`))).
			To(BeAssignableToTypeOf(messages.DiskDelete{}))
	})
	It("should reject an empty body", func() {
		_, err := messages.Parse(nil)
		Expect(err).To(HaveOccurred())
	})
	It("should reject a body that is not JSON", func() {
		_, err := messages.Parse([]byte("gpu please"))
		Expect(err).To(HaveOccurred())
	})
	It("should reject an unknown action", func() {
		_, err := messages.Parse([]byte(`{"action": "defragment", "user_id": "dev"}`))
		Expect(err).To(MatchError(ContainSubstring("unknown action")))
	})
	It("should round-trip through the queue encoding", func() {
		sent := messages.Extend{
			Metadata: messages.Metadata{Action: messages.ActionExtend, ReservationID: "r-9", UserID: "dev"},
			Hours:    3,
		}
		raw, err := json.Marshal(sent)
		Expect(err).ToNot(HaveOccurred())
		parsed, err := messages.Parse(raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(parsed).To(Equal(sent))
	})
})
