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

package cloud

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/stackpod/reserver/pkg/errors"
)

const (
	retryAttempts  = 5
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
)

// EC2API is the slice of the EC2 surface the adapter uses.
type EC2API interface {
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	CreateSnapshot(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
	DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
}

// AutoScalingAPI is the slice of the auto-scaling surface the adapter uses.
type AutoScalingAPI interface {
	DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
}

// Volume is the adapter's view of one cloud block volume. The adapter never
// caches volume state; the availability reconciler reads it fresh.
type Volume struct {
	ID               string
	Name             string
	UserID           string
	SizeGiB          int
	Attached         bool
	AttachedTo       string
	SnapshotCount    int
	PendingSnapshots int
	LastSnapshotAt   *time.Time
}

// Provider is the IaaS contract. Volume create and delete-on-detach go
// through the orchestration layer's persistent-volume primitives; only
// snapshots, hard deletion and describes are issued here.
type Provider interface {
	ListVolumes(ctx context.Context) ([]Volume, error)
	CreateSnapshot(ctx context.Context, volumeID, description string) (string, error)
	DeleteVolume(ctx context.Context, volumeID string) error
	InServiceInstances(ctx context.Context, tag string) (int, error)
}

// withRetry wraps every cloud call with jittered exponential backoff.
// "Not found" is terminal; everything else gets the full attempt budget.
func withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBaseDelay),
		retry.MaxDelay(retryMaxDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(func(err error) bool { return !errors.IsNotFound(err) }),
		retry.LastErrorOnly(true),
	)
}
