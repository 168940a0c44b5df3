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
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/patrickmn/go-cache"
)

const (
	asgCacheTTL             = 60 * time.Second
	asgCacheCleanupInterval = 10 * time.Minute
)

type asgCache struct {
	*cache.Cache
}

func newASGCache() asgCache {
	return asgCache{cache.New(asgCacheTTL, asgCacheCleanupInterval)}
}

// InServiceInstances sums the InService instance counts across every
// auto-scaling group named <prefix>-gpu-nodes-<tag>*. Results are cached
// briefly; the reconciler tick dominates the staleness anyway.
func (p *DefaultProvider) InServiceInstances(ctx context.Context, tag string) (int, error) {
	groupPrefix := fmt.Sprintf("%s-gpu-nodes-%s", p.asgPrefix, tag)
	if cached, ok := p.asgCache.Get(groupPrefix); ok {
		return cached.(int), nil
	}
	count := 0
	var nextToken *string
	for {
		var out *autoscaling.DescribeAutoScalingGroupsOutput
		err := withRetry(ctx, func() error {
			var err error
			out, err = p.asgapi.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
				NextToken: nextToken,
			})
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("describing auto-scaling groups, %w", err)
		}
		for _, group := range out.AutoScalingGroups {
			if !strings.HasPrefix(aws.ToString(group.AutoScalingGroupName), groupPrefix) {
				continue
			}
			for _, instance := range group.Instances {
				if instance.LifecycleState == asgtypes.LifecycleStateInService {
					count++
				}
			}
		}
		if nextToken = out.NextToken; nextToken == nil {
			break
		}
	}
	p.asgCache.SetDefault(groupPrefix, count)
	return count, nil
}
