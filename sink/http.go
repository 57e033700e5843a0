package sink

import "time"

// HTTPRequestTimeout is the default timeout for all HTTP requests to the Mailchimp API.
const HTTPRequestTimeout = 60 * time.Second

// OAuthMetadataURL is the endpoint used to discover the datacenter for an access token.
const OAuthMetadataURL = "https://login.mailchimp.com/oauth2/metadata"
