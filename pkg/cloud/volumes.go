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
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
)

const (
	// Cloud tags stamped on every volume the system owns.
	TagName = "reserver.stackpod.io/name"
	TagUser = "reserver.stackpod.io/user"
)

// DefaultProvider serves the Provider contract against EC2 and the
// auto-scaling API.
type DefaultProvider struct {
	ec2api       EC2API
	asgapi       AutoScalingAPI
	volumeTagKey string
	asgPrefix    string
	asgCache     asgCache
}

func NewDefaultProvider(ec2api EC2API, asgapi AutoScalingAPI, volumeTagKey, asgPrefix string) *DefaultProvider {
	return &DefaultProvider{
		ec2api:       ec2api,
		asgapi:       asgapi,
		volumeTagKey: volumeTagKey,
		asgPrefix:    asgPrefix,
		asgCache:     newASGCache(),
	}
}

// ListVolumes enumerates every volume tagged as system-owned, enriched with
// its snapshot statistics in one pass.
func (p *DefaultProvider) ListVolumes(ctx context.Context) ([]Volume, error) {
	var raw []ec2types.Volume
	var nextToken *string
	for {
		var out *ec2.DescribeVolumesOutput
		err := withRetry(ctx, func() error {
			var err error
			out, err = p.ec2api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
				Filters: []ec2types.Filter{{
					Name:   aws.String("tag-key"),
					Values: []string{p.volumeTagKey},
				}},
				NextToken: nextToken,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("describing volumes, %w", err)
		}
		raw = append(raw, out.Volumes...)
		if nextToken = out.NextToken; nextToken == nil {
			break
		}
	}
	stats, err := p.snapshotStats(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(raw, func(v ec2types.Volume, _ int) Volume {
		vol := Volume{
			ID:      aws.ToString(v.VolumeId),
			SizeGiB: int(aws.ToInt32(v.Size)),
		}
		for _, tag := range v.Tags {
			switch aws.ToString(tag.Key) {
			case TagName:
				vol.Name = aws.ToString(tag.Value)
			case TagUser:
				vol.UserID = aws.ToString(tag.Value)
			}
		}
		for _, att := range v.Attachments {
			if att.State == ec2types.VolumeAttachmentStateAttached || att.State == ec2types.VolumeAttachmentStateAttaching {
				vol.Attached = true
				vol.AttachedTo = aws.ToString(att.InstanceId)
			}
		}
		if s, ok := stats[vol.ID]; ok {
			vol.SnapshotCount, vol.PendingSnapshots, vol.LastSnapshotAt = s.completed, s.pending, s.latest
		}
		return vol
	}), nil
}

type volumeSnapshotStats struct {
	completed int
	pending   int
	latest    *time.Time
}

func (p *DefaultProvider) snapshotStats(ctx context.Context) (map[string]volumeSnapshotStats, error) {
	stats := map[string]volumeSnapshotStats{}
	var nextToken *string
	for {
		var out *ec2.DescribeSnapshotsOutput
		err := withRetry(ctx, func() error {
			var err error
			out, err = p.ec2api.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
				Filters: []ec2types.Filter{{
					Name:   aws.String("tag-key"),
					Values: []string{p.volumeTagKey},
				}},
				OwnerIds:  []string{"self"},
				NextToken: nextToken,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("describing snapshots, %w", err)
		}
		for _, snap := range out.Snapshots {
			volumeID := aws.ToString(snap.VolumeId)
			s := stats[volumeID]
			switch snap.State {
			case ec2types.SnapshotStateCompleted:
				s.completed++
			case ec2types.SnapshotStatePending:
				s.pending++
			}
			if start := snap.StartTime; start != nil && (s.latest == nil || start.After(*s.latest)) {
				s.latest = start
			}
			stats[volumeID] = s
		}
		if nextToken = out.NextToken; nextToken == nil {
			break
		}
	}
	return stats, nil
}

func (p *DefaultProvider) CreateSnapshot(ctx context.Context, volumeID, description string) (string, error) {
	var out *ec2.CreateSnapshotOutput
	err := withRetry(ctx, func() error {
		var err error
		out, err = p.ec2api.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
			VolumeId:    aws.String(volumeID),
			Description: aws.String(description),
			TagSpecifications: []ec2types.TagSpecification{{
				ResourceType: ec2types.ResourceTypeSnapshot,
				Tags:         []ec2types.Tag{{Key: aws.String(p.volumeTagKey), Value: aws.String("true")}},
			}},
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("creating snapshot of volume %s, %w", volumeID, err)
	}
	return aws.ToString(out.SnapshotId), nil
}

func (p *DefaultProvider) DeleteVolume(ctx context.Context, volumeID string) error {
	err := withRetry(ctx, func() error {
		_, err := p.ec2api.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)})
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting volume %s, %w", volumeID, err)
	}
	return nil
}
