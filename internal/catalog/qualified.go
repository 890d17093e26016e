package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTenant = "default"
	s3ARNPrefix   = "arn:aws:s3:::"
	qnSeparator   = "/"
	connQNParts   = 3
)

var (
	// ErrInvalidConnectionQualifiedName is returned when a connection qualified name
	// is not of the form "default/<connector>/<epoch>".
	ErrInvalidConnectionQualifiedName = errors.New("invalid connection qualified name")

	// ErrInvalidARN is returned when a locator is not an S3 ARN.
	ErrInvalidARN = errors.New("invalid S3 ARN")
)

// ConnectionQualifiedName builds "default/<connector>/<epoch seconds>".
//
// Example:
//
//	ConnectionQualifiedName("s3", time.Unix(1700000000, 0)) // "default/s3/1700000000"
func ConnectionQualifiedName(connector string, at time.Time) string {
	return strings.Join([]string{defaultTenant, strings.ToLower(connector), strconv.FormatInt(at.Unix(), 10)}, qnSeparator)
}

// ParseConnectionQualifiedName splits a connection qualified name into its
// connector type and creation epoch.
func ParseConnectionQualifiedName(qn string) (string, int64, error) {
	parts := strings.Split(qn, qnSeparator)
	if len(parts) != connQNParts || parts[0] != defaultTenant || parts[1] == "" {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidConnectionQualifiedName, qn)
	}

	epoch, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %w", ErrInvalidConnectionQualifiedName, qn, err)
	}

	return parts[1], epoch, nil
}

// ChildQualifiedName appends a local segment to a parent qualified name.
func ChildQualifiedName(parentQN, local string) string {
	return strings.TrimSuffix(parentQN, qnSeparator) + qnSeparator + strings.TrimPrefix(local, qnSeparator)
}

// ScopePrefix is the prefix every qualified name under scope starts with.
func ScopePrefix(scopeQN string) string {
	return strings.TrimSuffix(scopeQN, qnSeparator) + qnSeparator
}

// BucketARN returns "arn:aws:s3:::<bucket><suffix>".
func BucketARN(bucket, suffix string) string {
	return s3ARNPrefix + bucket + suffix
}

// ObjectARN returns "<bucketARN>/<prefix>/<key>", omitting an empty prefix.
func ObjectARN(bucketARN, prefix, key string) string {
	if prefix = strings.Trim(prefix, qnSeparator); prefix == "" {
		return bucketARN + qnSeparator + strings.TrimPrefix(key, qnSeparator)
	}

	return bucketARN + qnSeparator + prefix + qnSeparator + strings.TrimPrefix(key, qnSeparator)
}

// BucketFromARN extracts the bucket segment of an S3 ARN.
func BucketFromARN(arn string) (string, error) {
	rest, ok := strings.CutPrefix(arn, s3ARNPrefix)
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidARN, arn)
	}

	bucket, _, _ := strings.Cut(rest, qnSeparator)

	return bucket, nil
}

// ContainerQualifiedName is "<connQN>/<locator>", the locator being the bucket ARN.
func ContainerQualifiedName(connectionQN, locator string) string {
	return ChildQualifiedName(connectionQN, locator)
}

// LeafQualifiedName is "<connQN>/<locator>", the locator being the object ARN.
func LeafQualifiedName(connectionQN, locator string) string {
	return ChildQualifiedName(connectionQN, locator)
}

// TableQualifiedName is "<connQN>/<name>".
func TableQualifiedName(connectionQN, name string) string {
	return ChildQualifiedName(connectionQN, name)
}
