// Package aws wraps the source-cloud calls used while preparing an RDS
// instance for migration: security-group ingress, master-password reset, and
// the shell-based replication-user bootstrap.
package aws

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/google/uuid"

	"github.com/pgferry/pgferry/internal/pkg/logger"
)

const (
	postgresPort = 5432

	// ingressDescription marks security-group rules added by this tool.
	ingressDescription = "Added by cloudsql migration team for GCP access"

	// resetSettleDelay is how long an RDS instance takes to transition into
	// a modifying state after a master-password change is requested.
	resetSettleDelay = 12 * time.Second
)

// Client talks to the source-cloud RDS and EC2 APIs.
type Client struct {
	rds *rds.Client
	ec2 *ec2.Client
}

// NewClient builds a client from the ambient AWS credential chain.
func NewClient(ctx context.Context) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Client{rds: rds.NewFromConfig(cfg), ec2: ec2.NewFromConfig(cfg)}, nil
}

func (c *Client) describeInstance(ctx context.Context, instance string) (*rds.DescribeDBInstancesOutput, error) {
	out, err := c.rds.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(instance),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe db instance %s: %w", instance, err)
	}
	if len(out.DBInstances) == 0 {
		return nil, fmt.Errorf("db instance %s not found", instance)
	}
	return out, nil
}

// securityGroup resolves the single VPC security group attached to an
// instance. More or fewer than one group is an error.
func (c *Client) securityGroup(ctx context.Context, instance string) (*ec2types.SecurityGroup, error) {
	out, err := c.describeInstance(ctx, instance)
	if err != nil {
		return nil, err
	}
	sgs := out.DBInstances[0].VpcSecurityGroups
	if len(sgs) == 0 {
		return nil, fmt.Errorf("expected at least one security group for %s but none were found", instance)
	}
	if len(sgs) > 1 {
		return nil, fmt.Errorf("expected at most one security group for %s but many were found", instance)
	}
	groups, err := c.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{aws.ToString(sgs[0].VpcSecurityGroupId)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe security group for %s: %w", instance, err)
	}
	if len(groups.SecurityGroups) == 0 {
		return nil, fmt.Errorf("security group %s not found", aws.ToString(sgs[0].VpcSecurityGroupId))
	}
	return &groups.SecurityGroups[0], nil
}

// AllowIngress authorizes TCP/5432 inbound for every CIDR block not already
// present on the instance's security group and returns the newly added
// subset.
func (c *Client) AllowIngress(ctx context.Context, instance string, cidrBlocks []string) ([]string, error) {
	group, err := c.securityGroup(ctx, instance)
	if err != nil {
		return nil, err
	}
	actual := map[string]bool{}
	for _, perm := range group.IpPermissions {
		if aws.ToString(perm.IpProtocol) != "tcp" || aws.ToInt32(perm.FromPort) != postgresPort {
			continue
		}
		for _, r := range perm.IpRanges {
			actual[aws.ToString(r.CidrIp)] = true
		}
	}
	var added []string
	for _, cidr := range cidrBlocks {
		if actual[cidr] {
			continue
		}
		_, err := c.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId: group.GroupId,
			IpPermissions: []ec2types.IpPermission{{
				IpProtocol: aws.String("tcp"),
				FromPort:   aws.Int32(postgresPort),
				ToPort:     aws.Int32(postgresPort),
				IpRanges: []ec2types.IpRange{{
					CidrIp:      aws.String(cidr),
					Description: aws.String(ingressDescription),
				}},
			}},
		})
		if err != nil {
			return added, fmt.Errorf("failed to authorize ingress %s on %s: %w", cidr, instance, err)
		}
		added = append(added, cidr)
	}
	return added, nil
}

// ResetMasterPassword generates a fresh master password, applies it, and
// waits for the instance to report available again. Each call produces a new
// password; the caller is responsible for persisting it.
func (c *Client) ResetMasterPassword(ctx context.Context, instance string) (string, error) {
	password := uuid.NewString()
	_, err := c.rds.ModifyDBInstance(ctx, &rds.ModifyDBInstanceInput{
		DBInstanceIdentifier: aws.String(instance),
		MasterUserPassword:   aws.String(password),
	})
	if err != nil {
		return "", fmt.Errorf("failed to reset master password for %s: %w", instance, err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(resetSettleDelay):
	}

	for {
		out, err := c.describeInstance(ctx, instance)
		if err != nil {
			return "", err
		}
		status := aws.ToString(out.DBInstances[0].DBInstanceStatus)
		logger.Debug("awaiting instance availability", "instance", instance, "status", status)
		if status == "available" {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
	logger.Info("reset master password", "instance", instance)
	return password, nil
}

// CreateReplicationUser provisions the replication user on the source via
// the psql shell helpers. Bootstrap path only; the orchestrator proper uses
// the cluster SQL executor instead.
func (c *Client) CreateReplicationUser(ctx context.Context, host, database, rootUser, rootPassword string) (string, string, error) {
	password := uuid.NewString()
	command := fmt.Sprintf("source psql-commands.sh; _create_replication_user %s %d %s %s %s %s",
		host, postgresPort, database, rootUser, rootPassword, password)
	out, err := exec.CommandContext(ctx, "bash", "-c", command).CombinedOutput()
	if err != nil {
		return "", "", fmt.Errorf("failed to create replication user on %s: %w", host, err)
	}
	logger.Debug("created replication user", "host", host, "output", string(out))
	return "gcp_replication", password, nil
}
